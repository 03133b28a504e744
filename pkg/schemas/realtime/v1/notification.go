package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/roboricindustries/raycon-realtime/pkg/schemas/common"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Notification is one decoded frame from the push channel. It is never persisted.
type Notification struct {
	ID         string
	Topic      Topic
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// DecodeFrame parses an envelope frame. Meta.Type carries the topic wire name.
func DecodeFrame(data []byte, receivedAt time.Time) (Notification, error) {
	var env common.RawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return FromEnvelope(env, receivedAt)
}

// FromEnvelope is DecodeFrame for transports that already split meta and data.
func FromEnvelope(env common.RawEnvelope, receivedAt time.Time) (Notification, error) {
	if env.Meta.Type == "" {
		return Notification{}, fmt.Errorf("%w: meta.type missing", ErrMalformedFrame)
	}
	t, err := ParseTopic(env.Meta.Type)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Notification{
		ID:         env.Meta.ID,
		Topic:      t,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}, nil
}

// EncodeFrame builds the wire form of a notification; used by publishers and tests.
func EncodeFrame(t Topic, data any) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, t)
	}
	return json.Marshal(common.Envelope{
		Meta: common.Meta{
			ID:   uuid.NewString(),
			Type: t.String(),
			Time: time.Now().UTC(),
		},
		Data: data,
	})
}

// Decode unmarshals the payload into v.
func (n Notification) Decode(v any) error {
	if err := json.Unmarshal(n.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, n.Topic, err)
	}
	return nil
}
