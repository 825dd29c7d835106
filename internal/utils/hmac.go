package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
)

// SignRequest produces the hex HMAC-SHA256 signature for an outbound vendor
// request. The MAC input is ts + UPPER(method) + path, followed by the raw body
// bytes only when body is non-nil. A nil body never reaches the hash stream.
func SignRequest(secret string, ts int64, method, path string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10) + strings.ToUpper(method) + path))
	if body != nil {
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadDigest returns the hex HMAC-SHA256 of payload under secret.
func PayloadDigest(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyPayloadDigest checks an inbound webhook digest against the payload.
// Uses constant-time comparison to prevent timing attacks
func VerifyPayloadDigest(secret string, payload []byte, digest string) bool {
	expected := PayloadDigest(secret, payload)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(digest)), []byte(expected)) == 1
}
