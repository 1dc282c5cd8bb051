package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantKind  Kind
		wantRaw   string
		wantTime  time.Time
		wantError bool
	}{
		{
			name:     "detected",
			frame:    `{"event":"onu.detected","payload":{"sn":"HWTC0001","olt_id":"olt-1"},"timestamp":"2025-01-01T00:00:00Z"}`,
			wantKind: OnuDetected,
			wantRaw:  `{"sn":"HWTC0001","olt_id":"olt-1"}`,
			wantTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "fractional timestamp with offset",
			frame:    `{"event":"system.alert","payload":{"severity":"minor","message":"fan"},"timestamp":"2025-03-04T10:11:12.345+02:00"}`,
			wantKind: SystemAlert,
			wantRaw:  `{"severity":"minor","message":"fan"}`,
			wantTime: time.Date(2025, 3, 4, 8, 11, 12, 345000000, time.UTC),
		},
		{
			name:     "missing payload and timestamp",
			frame:    `{"event":"onu.removed"}`,
			wantKind: OnuRemoved,
			wantRaw:  `null`,
		},
		{
			name:     "unknown kind is still a frame",
			frame:    `{"event":"olt.rebooted","payload":{}}`,
			wantKind: Kind("olt.rebooted"),
			wantRaw:  `{}`,
		},
		{name: "not json", frame: `hello`, wantError: true},
		{name: "truncated", frame: `{"event":"onu.detected"`, wantError: true},
		{name: "array", frame: `[1,2,3]`, wantError: true},
		{name: "missing event", frame: `{"payload":{}}`, wantError: true},
		{name: "numeric event", frame: `{"event":42}`, wantError: true},
		{name: "empty event", frame: `{"event":""}`, wantError: true},
		{name: "bad timestamp", frame: `{"event":"onu.detected","timestamp":"soon"}`, wantError: true},
		{name: "numeric timestamp", frame: `{"event":"onu.detected","timestamp":1735689600}`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseFrame([]byte(tt.frame))
			if tt.wantError {
				assert.ErrorIs(t, err, ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.JSONEq(t, tt.wantRaw, string(ev.Payload))
			assert.True(t, tt.wantTime.Equal(ev.Timestamp), "timestamp %v, want %v", ev.Timestamp, tt.wantTime)
		})
	}
}

func TestKind_Known(t *testing.T) {
	for _, k := range Kinds() {
		assert.True(t, k.Known(), "%s should be known", k)
	}
	assert.False(t, Kind("olt.rebooted").Known())
	assert.Len(t, Kinds(), 4)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnected", Disconnected.String())

	text, err := Connected.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connected", string(text))

	var s ConnectionState
	require.NoError(t, s.UnmarshalText([]byte("connecting")))
	assert.Equal(t, Connecting, s)
	assert.Error(t, s.UnmarshalText([]byte("open")))
}

func TestPhase_State(t *testing.T) {
	assert.Equal(t, Disconnected, phaseIdle.state())
	assert.Equal(t, Connecting, phaseDialing.state())
	assert.Equal(t, Connected, phaseOpen.state())
	assert.Equal(t, Disconnected, phaseRetryScheduled.state())
	assert.Equal(t, Disconnected, phaseStopped.state())
}
