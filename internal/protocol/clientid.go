package protocol

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// generateClientID mints a 21-character client identifier for a CONNECT
// that left client_id empty, per §4.G: a random uuid's 16 bytes,
// base64url-encoded and cut to 21 characters. Grounded on the teacher's use
// of github.com/google/uuid for opaque identifiers elsewhere in the stack.
func generateClientID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])[:21]
}
