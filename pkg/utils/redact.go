package utils

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameters removed by RedactURL
var sensitiveParams = []string{
	"access_token", "token", "password", "secret", "signature", "sig",
	"x-amz-signature", "x-amz-credential", "x-amz-security-token",
	"x-goog-signature", "x-goog-credential",
}

// RedactURL removes user info and credential query parameters from raw.
// Strings without a scheme are returned unchanged. Strings that do not parse
// as URLs are scrubbed textually.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redactText(raw)
	}
	if u.Scheme == "" {
		return raw
	}

	changed := false
	if u.User != nil {
		u.User = nil
		changed = true
	}
	if u.RawQuery != "" {
		if q, dropped := redactQuery(u.RawQuery); dropped {
			u.RawQuery = q
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return u.String()
}

// redactQuery drops sensitive key=value pairs from a raw query. Keys are
// compared unescaped when possible and verbatim otherwise, so pairs with
// invalid escapes are still matched.
func redactQuery(rawQuery string) (string, bool) {
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	dropped := false
	for _, pair := range pairs {
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if isSensitive(key) {
			dropped = true
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&"), dropped
}

func isSensitive(key string) bool {
	for _, s := range sensitiveParams {
		if strings.EqualFold(key, s) {
			return true
		}
	}
	return false
}

// redactText scrubs a string url.Parse rejected: the user info between
// "//" and the last "@" of the authority, and sensitive query parameters.
func redactText(raw string) string {
	s := raw
	if i := strings.Index(s, "//"); i >= 0 {
		start := i + 2
		end := len(s)
		if j := strings.IndexAny(s[start:], "/?#"); j >= 0 {
			end = start + j
		}
		if at := strings.LastIndex(s[start:end], "@"); at >= 0 {
			s = s[:start] + s[start+at+1:]
		}
	}

	fragment := ""
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s, fragment = s[:i], s[i:]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		q, _ := redactQuery(s[i+1:])
		s = s[:i]
		if q != "" {
			s += "?" + q
		}
	}
	return s + fragment
}
