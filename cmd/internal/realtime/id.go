package realtime

import (
	"encoding/json"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"chatsync/cmd/identity/ids"
)

// NewEnvelopeID returns a ULID so outbound envelopes sort by send time in server logs.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

func newEnvelope(typ string, payload any, now time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: raw,
	}, nil
}
