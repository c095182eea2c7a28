package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Header is the HTTP header carrying the body signature.
const Header = "X-Signature"

const scheme = "sha256="

// ErrMismatch is returned when a signature is absent or does not match the
// body while a secret is configured.
var ErrMismatch = errors.New("signature mismatch")

// Compute returns the signature header value for body: "sha256=<hex-hmac>".
// The HMAC covers the exact raw bytes, never a re-serialized form, so client
// and server need no canonicalization agreement.
func Compute(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return scheme + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC of body under secret. An empty
// secret skips verification entirely; callers are expected to log that
// downgraded state at startup, it must never be a silent default. The
// comparison is constant time.
func Verify(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return nil
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, scheme) {
		return ErrMismatch
	}
	got, err := hex.DecodeString(header[len(scheme):])
	if err != nil {
		return ErrMismatch
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrMismatch
	}
	return nil
}

// Enabled reports whether verification is active for the given secret.
func Enabled(secret []byte) bool {
	return len(secret) > 0
}
