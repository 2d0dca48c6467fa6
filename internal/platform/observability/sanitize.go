package observability

import (
	"net/url"
	"strings"
	"unicode"
)

// Query parameters that carry upstream credentials, the Gemini key among them.
var credentialParams = []string{"key", "api_key", "access_token", "token"}

// clip drops control characters other than common whitespace and keeps at
// most limit runes, so request data cannot forge log lines.
func clip(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	kept := 0
	return strings.Map(func(r rune) rune {
		if kept >= limit || (unicode.IsControl(r) && !strings.ContainsRune("\t\r\n", r)) {
			return -1
		}
		kept++
		return r
	}, value)
}

func logRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clip(route, 180)
}

func logMethod(method string) string {
	return clip(method, 10)
}

// redactQuery masks credential parameters and returns the rest re-encoded.
func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "REDACTED"
	}
	for name := range values {
		for _, secret := range credentialParams {
			if strings.EqualFold(name, secret) {
				values[name] = []string{"REDACTED"}
			}
		}
	}
	return clip(values.Encode(), 512)
}
