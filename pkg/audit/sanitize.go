package audit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

var credentialMarkers = []string{"password", "secret", "token", "api_key", "apikey", "private_key", "credential"}

// deniedFields may never appear in a stored snapshot, at any depth. A key is
// denied when its words contain one of these, so total_amount and
// AccountNumber are caught as well.
var deniedFields = map[string]bool{
	"ssn":            true,
	"card_number":    true,
	"cvv":            true,
	"iban":           true,
	"account_number": true,
	"amount":         true,
	"balance":        true,
	"salary":         true,
	"revenue":        true,
	"price":          true,
	"cost":           true,
}

// DefaultMonetaryFields are reduced to a has_<field> flag
var DefaultMonetaryFields = []string{"amount", "balance", "salary", "revenue", "price", "cost"}

// keyWords splits a field name into lower-case words at separators and
// camelCase boundaries and joins them with underscores
func keyWords(key string) string {
	var b strings.Builder
	var prev rune
	for i, r := range key {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			r = '_'
		case i > 0 && unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
		prev = r
	}
	return "_" + strings.Trim(b.String(), "_") + "_"
}

// matchesField reports whether one of fields appears as whole words in key
func matchesField(key string, fields map[string]bool) bool {
	words := keyWords(key)
	for f := range fields {
		if strings.Contains(words, "_"+f+"_") {
			return true
		}
	}
	return false
}

// isFlag reports whether key is a has_<field> flag the sanitizer produced
func isFlag(key string, v interface{}) bool {
	_, ok := v.(bool)
	return ok && strings.HasPrefix(key, "has_")
}

func isDenied(key string) bool {
	return matchesField(key, deniedFields)
}

func isCredential(key string) bool {
	k := strings.ToLower(key)
	for _, m := range credentialMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}

// Sanitizer removes credential-like fields and reduces monetary fields to a
// boolean flag recording whether a value was present. Monetary fields match
// on whole words, so total_amount and amountCents are reduced like amount.
type Sanitizer struct {
	monetary map[string]bool
}

// NewSanitizer creates a sanitizer for the default monetary fields plus extra
func NewSanitizer(extra ...string) *Sanitizer {
	s := &Sanitizer{monetary: make(map[string]bool)}
	for _, f := range append(DefaultMonetaryFields, extra...) {
		s.monetary[strings.Trim(keyWords(f), "_")] = true
	}
	return s
}

// Snapshot returns a sanitized copy of raw
func (s *Sanitizer) Snapshot(raw Snapshot) Snapshot {
	if raw == nil {
		return nil
	}
	return Snapshot(s.sanitizeMap(raw))
}

func (s *Sanitizer) sanitizeMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		lower := strings.ToLower(k)
		if isCredential(lower) {
			continue
		}
		if isFlag(lower, v) {
			out[k] = v
			continue
		}
		if matchesField(k, s.monetary) {
			out["has_"+strings.Trim(keyWords(k), "_")] = hasValue(v)
			continue
		}
		if isDenied(k) {
			continue
		}
		out[k] = s.sanitizeValue(v)
	}
	return out
}

func (s *Sanitizer) sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Snapshot:
		return s.sanitizeMap(t)
	case map[string]interface{}:
		return s.sanitizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = s.sanitizeValue(t[i])
		}
		return out
	}
	return v
}

func hasValue(v interface{}) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	case reflect.String:
		return rv.Len() > 0
	}
	return true
}

// CheckSnapshot rejects a snapshot whose JSON form still contains a denied
// or credential-like field name. It inspects the encoded form so values the
// sanitizer cannot walk, such as structs, are covered too.
func CheckSnapshot(snap Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return checkValue(generic, "")
}

func checkValue(v interface{}, path string) error {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			lower := strings.ToLower(k)
			if isFlag(lower, child) {
				continue
			}
			if isCredential(lower) || isDenied(k) {
				return fmt.Errorf("%w: %s%s", ErrUnsanitizedSnapshot, path, k)
			}
			if err := checkValue(child, path+k+"."); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, child := range t {
			if err := checkValue(child, fmt.Sprintf("%s%d.", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
