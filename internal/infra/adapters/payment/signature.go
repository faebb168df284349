package payment

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const signDelimiter = ":"

// keys never included in the signed material
var unsignedKeys = map[string]struct{}{
	"sign":       {},
	"signature":  {},
	"secret":     {},
	"secret_key": {},
	"api_key":    {},
	"password":   {},
}

// Signer implements the provider's request signature:
//
//	sha256hex(join(values in sorted-key order, ":") + ":" + secret)
//
// where list-of-map values are flattened map by map (each in sorted-key order),
// blank values are skipped and every value is trimmed.
type Signer struct {
	secret string
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the lower-case hex signature of params. An empty set signs as
// the hash of the secret alone; callers must check required keys themselves.
func (s *Signer) Sign(params map[string]any) string {
	vals := append(canonicalValues(params), s.secret)
	sum := sha256.Sum256([]byte(strings.Join(vals, signDelimiter)))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the signature and compares it in constant time. Only
// surrounding whitespace is tolerated; the hex must match byte for byte, so
// an upper-case rendering of a valid signature is rejected.
func (s *Signer) Verify(params map[string]any, signature string) bool {
	expected := s.Sign(params)
	got := strings.TrimSpace(signature)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func canonicalValues(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if _, skip := unsignedKeys[strings.ToLower(k)]; skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := params[k].(type) {
		case []map[string]any:
			for _, m := range v {
				out = appendMapValues(out, m)
			}
		case []any:
			for _, el := range v {
				if m, ok := el.(map[string]any); ok {
					out = appendMapValues(out, m)
					continue
				}
				out = appendScalar(out, el)
			}
		case map[string]any:
			out = appendMapValues(out, v)
		default:
			out = appendScalar(out, v)
		}
	}
	return out
}

// only scalar values of a nested map are signed; deeper nesting is ignored
func appendMapValues(out []string, m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = appendScalar(out, m[k])
	}
	return out
}

func appendScalar(out []string, v any) []string {
	s, ok := scalarString(v)
	if !ok || s == "" {
		return out
	}
	return append(out, s)
}

// scalarString renders v the way the provider does: booleans as "1"/"0",
// numbers in plain base-10 without exponent.
func scalarString(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s = x
	case bool:
		if x {
			s = "1"
		} else {
			s = "0"
		}
	case int:
		s = strconv.Itoa(x)
	case int8:
		s = strconv.FormatInt(int64(x), 10)
	case int16:
		s = strconv.FormatInt(int64(x), 10)
	case int32:
		s = strconv.FormatInt(int64(x), 10)
	case int64:
		s = strconv.FormatInt(x, 10)
	case uint:
		s = strconv.FormatUint(uint64(x), 10)
	case uint8:
		s = strconv.FormatUint(uint64(x), 10)
	case uint16:
		s = strconv.FormatUint(uint64(x), 10)
	case uint32:
		s = strconv.FormatUint(uint64(x), 10)
	case uint64:
		s = strconv.FormatUint(x, 10)
	case float32:
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		s = x.String()
	case decimal.Decimal:
		s = x.String()
	case fmt.Stringer:
		s = x.String()
	default:
		return "", false
	}
	return strings.TrimSpace(s), true
}
