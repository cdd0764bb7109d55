package bitmex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RealtimePath is the signed path of the websocket handshake.
const RealtimePath = "/realtime"

// Credentials is an API key pair. The zero value means unauthenticated.
type Credentials struct {
	APIKey string
	Secret string
}

// Empty reports whether no credentials are configured.
func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.Secret == ""
}

// Nonce returns the current Unix time in milliseconds. Callers must not
// reuse a nonce across requests.
func Nonce() int64 {
	return time.Now().UnixMilli()
}

// Sign generates a request signature compatible with BitMEX.
// verb: GET, POST, etc.
// path: /realtime or a full URL; only path and query string are signed
// body: json string (empty if none)
func Sign(secret, verb, path string, nonce int64, body string) string {
	// Parse the url so we can remove the base and extract just the path.
	signedPath := path
	if u, err := url.Parse(path); err == nil {
		signedPath = u.EscapedPath()
		if u.RawQuery != "" {
			signedPath += "?" + u.RawQuery
		}
	}

	return computeHmacSha256Hex(verb+signedPath+strconv.FormatInt(nonce, 10)+body, secret)
}

// AuthHeader returns the handshake headers for creds. An empty header is
// returned when no credentials are configured.
func AuthHeader(creds Credentials) http.Header {
	return authHeaderAt(creds, Nonce())
}

func authHeaderAt(creds Credentials, nonce int64) http.Header {
	header := make(http.Header)
	if creds.Empty() {
		return header
	}

	// To auth to the WS using an API key, we generate a signature of a nonce
	// and the WS API endpoint.
	header.Set("api-nonce", strconv.FormatInt(nonce, 10))
	header.Set("api-signature", Sign(creds.Secret, http.MethodGet, RealtimePath, nonce, ""))
	header.Set("api-key", creds.APIKey)
	return header
}

func computeHmacSha256Hex(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
