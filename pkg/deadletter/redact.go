package deadletter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// RedactEntry returns a copy of e with context, payload and target content
// replaced by salted digests. Stored entries always keep the full envelope
// so retries still work; redaction applies only on read surfaces.
func RedactEntry(e Entry, salt []byte) Entry {
	e.Envelope.Context = digestJSON(e.Envelope.Context, salt)
	e.Envelope.Payload = digestJSON(e.Envelope.Payload, salt)
	e.Envelope.Target = digestJSON(e.Envelope.Target, salt)
	return e
}

// RedactEntries redacts a listing in place and returns it.
func RedactEntries(entries []Entry, salt []byte) []Entry {
	for i := range entries {
		entries[i] = RedactEntry(entries[i], salt)
	}
	return entries
}

func digestJSON(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	b, _ := json.Marshal(map[string]string{"digest": hashBytes(raw, salt)})
	return b
}

func hashBytes(b, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
