package masking

import (
	"net/url"
	"strings"
)

const maskToken = "****"

// MaskSecret redacts a token, keeping its type prefix (everything up to the
// last underscore) and the last four characters.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskEmail keeps the first letter of the local part and the domain, so an
// operator can tell customers apart without reading the address.
func MaskEmail(value string) string {
	trimmed := strings.TrimSpace(value)
	at := strings.LastIndex(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return MaskSecret(trimmed)
	}
	return trimmed[:1] + maskToken + trimmed[at:]
}

// MaskURL drops path and query, which carry session tokens on hosted
// checkout pages.
func MaskURL(value string) string {
	trimmed := strings.TrimSpace(value)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return MaskSecret(trimmed)
	}
	return u.Scheme + "://" + u.Host + "/" + maskToken
}

// MaskFields masks every value of input according to its key. Nested maps
// and lists are walked with the parent key.
func MaskFields(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(trimmedKey, value)
	}
	if len(masked) == 0 {
		return nil
	}
	return masked
}

func maskValue(key string, value any) any {
	switch cast := value.(type) {
	case string:
		return maskString(key, cast)
	case map[string]any:
		return MaskFields(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(key, item))
		}
		return out
	default:
		return value
	}
}

func maskString(key, value string) string {
	switch {
	case strings.Contains(key, "email"):
		return MaskEmail(value)
	case strings.HasSuffix(key, "_url"):
		return MaskURL(value)
	}
	return MaskSecret(value)
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
