// Package vapid provides VAPID (Voluntary Application Server Identification)
// tokens for Web Push, RFC 8292.
package vapid

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
)

// ApplicationServerKey returns the VAPID public key formatted for use with
// the JavaScript PushManager.subscribe() method.
func ApplicationServerKey(publicKey []byte) string {
	return base64.RawURLEncoding.EncodeToString(publicKey)
}

// DecodeApplicationServerKey decodes a base64 URL-encoded application server key.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(key)
}

// Origin returns the scheme and host of a push service endpoint, which is
// the audience of the VAPID token.
func Origin(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("endpoint must be an absolute URL")
	}
	return u.Scheme + "://" + u.Host, nil
}

// AuthorizationHeader formats the value of the Authorization header for a
// push request.
func AuthorizationHeader(jwt string, publicKey []byte) string {
	return "vapid t=" + jwt + ", k=" + ApplicationServerKey(publicKey)
}
