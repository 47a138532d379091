package kyc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks a webhook payload's HMAC-SHA256 signature against
// the shared secret. When a timestamp is supplied the signed message is
// "timestamp.body"; otherwise the raw body alone. The signature may carry a
// "sha256=" prefix. Malformed or mismatching signatures report false, never
// an error: the caller treats every failure identically.
func VerifySignature(secret string, body []byte, signature, timestamp string) bool {
	if secret == "" || signature == "" {
		return false
	}

	signature = strings.TrimPrefix(signature, "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	if timestamp != "" {
		mac.Write([]byte(timestamp))
		mac.Write([]byte("."))
	}
	mac.Write(body)

	return hmac.Equal(provided, mac.Sum(nil))
}
