package crypto

import "strings"

// sensitivePatterns is the classifier's pattern list. A key is sensitive when
// its lowercase form contains any of these substrings; a value is sensitive
// when any outermost JSON object key matches the same test. Keys are
// case-insensitive for classification but case-sensitive on storage.
var sensitivePatterns = []string{
	"apikey",
	"apitoken",
	"token",
	"secret",
	"password",
	"credential",
	"refresh",
	"access",
	"auth",
	"chat_",
	"conversation.",
}

// strictPatterns is the conservative subset for which encryption failure is
// fatal: API/auth-bearing secrets. Everything else in sensitivePatterns is
// relaxed (warn and store plaintext when the cipher fails).
var strictPatterns = []string{
	"apikey",
	"apitoken",
	"token",
	"secret",
	"password",
	"credential",
}

// keyMatches reports whether the lowercase key contains any pattern.
func keyMatches(key string, patterns []string) bool {
	lower := strings.ToLower(key)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Classify is the sensitivity predicate: true when the key name matches the
// pattern list, or when the value is a JSON object whose outermost keys do.
// Pure function; no side effects.
func Classify(key string, value any) bool {
	if keyMatches(key, sensitivePatterns) {
		return true
	}
	return valueMatches(value)
}

// valueMatches checks the outermost object keys of a decoded JSON value.
// Arrays are scanned so a list of objects classifies like its elements.
func valueMatches(value any) bool {
	switch v := value.(type) {
	case map[string]any:
		for k := range v {
			if keyMatches(k, sensitivePatterns) {
				return true
			}
		}
	case []any:
		for _, elem := range v {
			if valueMatches(elem) {
				return true
			}
		}
	}
	return false
}

// StrictSensitive reports whether key falls in the fail-closed subset.
// A strict key must round-trip as an envelope or the write must fail;
// plaintext is never an acceptable fallback for these.
func StrictSensitive(key string) bool {
	return keyMatches(key, strictPatterns)
}
