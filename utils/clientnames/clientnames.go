package clientnames

import "strings"

// FromUserAgent returns the product token of a user agent, for instance
// "curl/8.5.0" for "curl/8.5.0 (x86_64)".
func FromUserAgent(userAgent string) string {
	clientName, _, _ := strings.Cut(strings.TrimSpace(userAgent), " ")
	if len(clientName) > 32 {
		clientName = clientName[:32]
	}
	return clientName
}
