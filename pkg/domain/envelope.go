package domain

import (
	"encoding/json"
	"time"
)

// Schema names double as the canonical storage key for each entity type.
const (
	SchemaCart        = "cart"
	SchemaUser        = "user"
	SchemaPreferences = "preferences"
	SchemaSession     = "session"
)

// SchemaNames lists every registered schema in eviction-priority order:
// the cart key is last so quota recovery sheds it only when nothing else
// is left to evict.
var SchemaNames = []string{SchemaSession, SchemaPreferences, SchemaUser, SchemaCart}

// Envelope wraps a stored payload with schema identity, an integrity
// fingerprint and write/expiry timestamps. Payload holds the canonical
// serialization the checksum was computed over, or, when Compressed is set,
// a JSON string carrying the base64 form of the gzipped canonical bytes.
type Envelope struct {
	SchemaName    string          `json:"schemaName"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
	Compressed    bool            `json:"compressed,omitempty"`
	Checksum      string          `json:"checksum"`
	WrittenAt     time.Time       `json:"writtenAt"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
}

// Expired reports whether the envelope carries an expiry in the past.
func (e Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// LooksVersioned reports whether a raw stored value has the envelope shape
// (schema name plus checksum). Legacy unversioned records fail this test and
// are routed to the migration engine instead.
func LooksVersioned(raw []byte) bool {
	var probe struct {
		SchemaName string `json:"schemaName"`
		Checksum   string `json:"checksum"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.SchemaName != "" && probe.Checksum != ""
}
