package feed

import (
	"encoding/json"
	"time"
)

// Kind identifies a hardware event on the feed.
type Kind string

const (
	OnuDetected   Kind = "onu.detected"
	OnuAuthorized Kind = "onu.authorized"
	OnuRemoved    Kind = "onu.removed"
	SystemAlert   Kind = "system.alert"
)

var knownKinds = []Kind{OnuDetected, OnuAuthorized, OnuRemoved, SystemAlert}

// Kinds returns every event kind the feed is documented to send.
func Kinds() []Kind {
	return append([]Kind(nil), knownKinds...)
}

func (k Kind) Known() bool {
	for _, known := range knownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is one decoded feed message. Payload is kept raw; subscribers decode
// it into the payload type matching Kind.
type Event struct {
	ID        string
	Kind      Kind
	Payload   json.RawMessage
	Timestamp time.Time
	Received  time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// DetectedPayload is sent when an OLT reports an unconfigured ONU.
type DetectedPayload struct {
	SN       string  `json:"sn"`
	OltID    string  `json:"olt_id,omitempty"`
	Board    int     `json:"board,omitempty"`
	Port     int     `json:"port,omitempty"`
	Model    string  `json:"model,omitempty"`
	Vendor   string  `json:"vendor,omitempty"`
	Firmware string  `json:"firmware,omitempty"`
	RxPower  float64 `json:"rx_power,omitempty"`
}

type AuthorizedPayload struct {
	SN      string `json:"sn"`
	OltID   string `json:"olt_id,omitempty"`
	OnuID   int    `json:"onu_id,omitempty"`
	Profile string `json:"profile,omitempty"`
}

type RemovedPayload struct {
	SN     string `json:"sn"`
	OltID  string `json:"olt_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type AlertPayload struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	OltID    string `json:"olt_id,omitempty"`
}
