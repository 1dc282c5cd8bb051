package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var ErrMalformedFrame = errors.New("malformed frame")

// ParseFrame decodes a feed frame of the form
//
//	{"event": "<kind>", "payload": {...}, "timestamp": "<RFC 3339>"}
//
// A missing payload decodes as JSON null. A missing timestamp leaves
// Event.Timestamp zero; a present but unparsable one is an error.
func ParseFrame(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, fmt.Errorf("%w: not valid JSON", ErrMalformedFrame)
	}
	frame := gjson.ParseBytes(data)
	if !frame.IsObject() {
		return Event{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}

	kind := frame.Get("event")
	if kind.Type != gjson.String || kind.Str == "" {
		return Event{}, fmt.Errorf("%w: missing event kind", ErrMalformedFrame)
	}

	ev := Event{
		Kind:    Kind(kind.Str),
		Payload: json.RawMessage("null"),
	}
	if payload := frame.Get("payload"); payload.Exists() {
		ev.Payload = json.RawMessage(payload.Raw)
	}

	if ts := frame.Get("timestamp"); ts.Exists() && ts.Type != gjson.Null {
		if ts.Type != gjson.String {
			return Event{}, fmt.Errorf("%w: timestamp is not a string", ErrMalformedFrame)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts.Str)
		if err != nil {
			return Event{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedFrame, err)
		}
		ev.Timestamp = parsed
	}

	return ev, nil
}
