package auth

import "encoding/base64"

// basicHeader builds the Authorization header value for RFC 2617 Basic
// auth: base64("user:pass").
func basicHeader(username, password string) string {
	raw := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}
