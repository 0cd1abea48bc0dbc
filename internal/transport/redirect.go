package transport

import (
	"net/url"
	"strings"
)

// disallowedExactPaths are exact post-login targets this module refuses to
// return to, even though they otherwise pass the structural checks below.
var disallowedExactPaths = map[string]bool{
	"/login":  true,
	"/logout": true,
}

var dangerousSchemePrefixes = []string{
	"javascript:",
	"data:",
	"vbscript:",
	"file:",
	"about:",
}

// SanitizeRedirectPath validates a candidate post-login target: must be a
// single leading "/", not "//...", contain no backslashes or dangerous
// schemes, survive URL decoding, and not traverse outside via "..". Query
// string and fragment are preserved. Returns the candidate unchanged when
// it is accepted, or "" (ok=false) if it is rejected; "." segments and
// repeated slashes are not rewritten.
func SanitizeRedirectPath(candidate string) (path string, ok bool) {
	if candidate == "" {
		return "", false
	}
	if !strings.HasPrefix(candidate, "/") {
		return "", false
	}
	if strings.HasPrefix(candidate, "//") {
		return "", false
	}
	if strings.Contains(candidate, "\\") {
		return "", false
	}

	lower := strings.ToLower(candidate)
	for _, scheme := range dangerousSchemePrefixes {
		if strings.Contains(lower, scheme) {
			return "", false
		}
	}

	decoded, err := url.QueryUnescape(candidate)
	if err != nil {
		return "", false
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return "", false
	}

	cleanedPath := parsed.Path
	for _, segment := range strings.Split(decoded, "/") {
		if segment == ".." {
			return "", false
		}
	}

	if disallowedExactPaths[cleanedPath] {
		return "", false
	}

	return candidate, true
}
