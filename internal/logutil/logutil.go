// Package logutil masks credentials in API traffic before it reaches the logs.
package logutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Redacted replaces every credential value in log output.
const Redacted = "[REDACTED]"

// credentialKeys are the header and JSON field names that carry credentials
// on the CRÍTICO API, in canonical form.
var credentialKeys = map[string]bool{
	"authorization":   true,
	"cookie":          true,
	"setcookie":       true,
	"token":           true,
	"authtoken":       true,
	"accesstoken":     true,
	"refreshtoken":    true,
	"password":        true,
	"currentpassword": true,
	"newpassword":     true,
}

func canonicalKey(key string) string {
	return strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(strings.TrimSpace(key)))
}

// IsCredential reports whether a header or JSON field named key carries a
// credential. Matching ignores case, dashes and underscores, so "auth_token"
// and "Auth-Token" are the same key.
func IsCredential(key string) bool {
	return credentialKeys[canonicalKey(key)]
}

// Headers renders h as sorted, lowercased name=value pairs with credentials
// masked.
func Headers(h http.Header) string {
	if len(h) == 0 {
		return "{}"
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		value := strings.Join(h.Values(name), ", ")
		if IsCredential(name) {
			value = Redacted
		}
		b.WriteString(strings.ToLower(name))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(value))
	}
	return b.String()
}

// Body masks credential fields at any depth of a JSON body and cuts the
// result to at most limit bytes on a rune boundary. Bodies that are not JSON
// are only cut. limit <= 0 means no limit.
func Body(contentType string, body []byte, limit int) string {
	if len(body) == 0 {
		return ""
	}
	text := string(body)
	if strings.Contains(strings.ToLower(contentType), "json") {
		if masked, ok := maskJSON(body); ok {
			text = masked
		}
	}
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + " [truncated]"
}

func maskJSON(body []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return "", false
	}
	mask(payload)
	out, err := json.Marshal(payload)
	if err != nil {
		return "", false
	}
	return string(out), true
}

func mask(v any) {
	switch v := v.(type) {
	case map[string]any:
		for k, child := range v {
			if IsCredential(k) {
				v[k] = Redacted
				continue
			}
			mask(child)
		}
	case []any:
		for _, child := range v {
			mask(child)
		}
	}
}
