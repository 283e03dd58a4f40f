package event

import (
	"encoding/json"
	"time"

	"github.com/PyRo1121/hetzner-sub000/errors"
)

// Record is the unit of data flowing through the engine. Payload holds the
// decoded typed payload for known kinds and is nil for KindUnknown; Raw
// always preserves the inbound bytes untouched.
type Record struct {
	Kind       Kind
	ID         string
	Payload    any
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// CacheKey returns the composite "<kind>:<id>" key used by the cache store.
func (r Record) CacheKey() string {
	return r.Kind.String() + ":" + r.ID
}

// Topic returns the subscription topic this record publishes to.
func (r Record) Topic() string {
	return r.Kind.String()
}

// envelope is the minimal shape every inbound payload must carry. The
// discriminator appears as either "type" or "eventType" depending on the
// upstream channel.
type envelope struct {
	Type      string `json:"type"`
	EventType string `json:"eventType"`
	ID        string `json:"id"`
}

// Decode parses one inbound payload into a Record. A payload whose
// discriminator names an unknown kind decodes as KindUnknown with the raw
// bytes preserved; only malformed JSON or a missing discriminator is an
// error.
func Decode(raw []byte, receivedAt time.Time) (Record, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Record{}, errors.WrapInvalid(errors.ErrParsingFailed, "event", "Decode",
			"unmarshal envelope: "+err.Error())
	}

	discriminator := env.Type
	if discriminator == "" {
		discriminator = env.EventType
	}
	if discriminator == "" {
		return Record{}, errors.WrapInvalid(errors.ErrInvalidRecord, "event", "Decode",
			"payload has no type discriminator")
	}

	rec := Record{
		Kind:       ParseKind(discriminator),
		Raw:        append(json.RawMessage(nil), raw...),
		ReceivedAt: receivedAt,
	}

	if rec.Kind == KindUnknown {
		rec.ID = env.ID
		return rec, nil
	}

	payload, id, err := decodePayload(rec.Kind, raw)
	if err != nil {
		return Record{}, err
	}
	rec.Payload = payload
	rec.ID = id
	if rec.ID == "" {
		rec.ID = env.ID
	}
	return rec, nil
}
