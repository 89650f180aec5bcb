package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var ErrMissingValue = errors.New("event value is required")

// EncodingBase64 marks a wire value that carries base64 (std, padded) instead of the raw
// payload text.
const EncodingBase64 = "base64"

// StandardizedEvent is the broker-agnostic record the relay buffers and serves. Only Value is
// republished at the destination; the other fields are informational.
type StandardizedEvent struct {
	value     []byte
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
}

// New copies value so later mutation of the caller's slice cannot change the event.
func New(topic string, partition int, offset int64, value []byte, ts time.Time) (StandardizedEvent, error) {
	if value == nil {
		return StandardizedEvent{}, ErrMissingValue
	}
	v := make([]byte, len(value))
	copy(v, value)
	return StandardizedEvent{
		value:     v,
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Timestamp: ts,
	}, nil
}

// Value returns a copy of the payload.
func (e StandardizedEvent) Value() []byte {
	if e.value == nil {
		return nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out
}

// wireEvent is the JSON shape served to pollers. A payload that is valid UTF-8 travels as
// plain text; any other payload is base64 encoded and flagged by Encoding.
type wireEvent struct {
	Value     *string   `json:"value"`
	Encoding  string    `json:"encoding,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
}

func (e StandardizedEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Timestamp: e.Timestamp.UTC(),
		Topic:     e.Topic,
		Partition: e.Partition,
		Offset:    e.Offset,
	}
	v := string(e.value)
	if !utf8.Valid(e.value) {
		v = base64.StdEncoding.EncodeToString(e.value)
		w.Encoding = EncodingBase64
	}
	w.Value = &v
	return json.Marshal(w)
}

func (e *StandardizedEvent) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Value == nil {
		return ErrMissingValue
	}
	var value []byte
	switch w.Encoding {
	case "":
		value = []byte(*w.Value)
	case EncodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(*w.Value)
		if err != nil {
			return fmt.Errorf("decode event value: %w", err)
		}
		value = decoded
	default:
		return fmt.Errorf("unknown event value encoding %q", w.Encoding)
	}
	*e = StandardizedEvent{
		value:     value,
		Topic:     w.Topic,
		Partition: w.Partition,
		Offset:    w.Offset,
		Timestamp: w.Timestamp,
	}
	return nil
}
