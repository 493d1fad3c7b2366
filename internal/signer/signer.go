// Package signer produces HMAC-SHA256 signatures for authenticated API requests.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
)

// SignatureParam is the query parameter carrying the signature.
const SignatureParam = "signature"

// Signer signs canonical query strings. Required lists parameters that must be present
// and non-empty in every signed request.
type Signer struct {
	Required []string
}

// New returns a Signer requiring the given parameters.
func New(required ...string) *Signer {
	return &Signer{Required: required}
}

// Sign returns the hex HMAC-SHA256 of the canonical query string of params keyed by secret.
// Parameter order does not affect the result.
func (s *Signer) Sign(params map[string]string, secret string) (string, error) {
	if secret == "" {
		return "", &apperrors.SignatureError{Reason: "api secret is empty"}
	}
	if len(params) == 0 {
		return "", &apperrors.SignatureError{Reason: "no parameters to sign"}
	}

	var missing []string
	for _, name := range s.Required {
		if params[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", &apperrors.SignatureError{Reason: "missing required parameters", Missing: missing}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Canonical(params)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Canonical renders params as a query string sorted by key, leaving out any signature.
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == SignatureParam {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// Encode renders params the way they are sent: canonical order with the signature last,
// so the server hashes exactly the string that was signed.
func Encode(params map[string]string) string {
	q := Canonical(params)
	if sig, ok := params[SignatureParam]; ok {
		if q != "" {
			q += "&"
		}
		q += SignatureParam + "=" + url.QueryEscape(sig)
	}
	return q
}
