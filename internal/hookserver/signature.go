package hookserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// verifySignature implements spec.md §4.1 step 1: HMAC-SHA256 of the raw
// body with the shared secret must equal the declared signature in
// constant time. An empty secret is treated as "missing-secret
// configuration": the caller should log a warning and accept rather than
// call this at all.
func verifySignature(secret []byte, body []byte, declared string) bool {
	declared = strings.TrimSpace(declared)
	declared = strings.TrimPrefix(declared, "sha256=")
	if declared == "" {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(declared)))
}
