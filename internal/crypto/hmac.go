package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// KeyVersion is the API key version whose passphrase is sent signed.
const KeyVersion = "2"

// HMACAuth holds the credentials required for HMAC-authenticated requests
// against the KuCoin REST API.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret
	Passphrase string // API passphrase, signed with the secret on the wire
}

// Headers returns the HTTP headers for an authenticated request.
// The signature is HMAC-SHA256(secret, timestamp+method+endpoint+body)
// encoded as base64, where endpoint includes the query string and the
// timestamp is in milliseconds.
//
// Returned header keys:
//   - KC-API-KEY
//   - KC-API-SIGN
//   - KC-API-TIMESTAMP
//   - KC-API-PASSPHRASE
//   - KC-API-KEY-VERSION
func (h *HMACAuth) Headers(method, endpoint, body string) map[string]string {
	return h.HeadersAt(method, endpoint, body, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the Unix millisecond
// timestamp (useful for deterministic testing).
func (h *HMACAuth) HeadersAt(method, endpoint, body string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)

	message := ts + method + endpoint + body
	sig := hmacSHA256Base64([]byte(h.Secret), message)
	passphrase := hmacSHA256Base64([]byte(h.Secret), h.Passphrase)

	return map[string]string{
		"KC-API-KEY":         h.Key,
		"KC-API-SIGN":        sig,
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  passphrase,
		"KC-API-KEY-VERSION": KeyVersion,
	}
}

// Configured reports whether all three credentials are present.
func (h *HMACAuth) Configured() bool {
	return h.Key != "" && h.Secret != "" && h.Passphrase != ""
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
