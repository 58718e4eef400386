package chat

import (
	"encoding/json"
	"time"

	v1 "servichat/shared/contracts/chat/v1"
)

// newEnvelope wraps a payload into a wire envelope with a fresh ULID.
func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewULID(ts),
		TS:      ts,
		Payload: raw,
	}
}
