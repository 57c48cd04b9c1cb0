package carrier

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Validator checks carrier webhook signatures: HMAC-SHA1 over the full
// request URL followed by the sorted form fields, keyed by the account
// auth token.
type Validator struct {
	authToken string
	header    string
}

// NewValidator builds a webhook signature validator. header defaults to
// X-Carrier-Signature.
func NewValidator(authToken, header string) *Validator {
	if header == "" {
		header = "X-Carrier-Signature"
	}
	return &Validator{authToken: authToken, header: header}
}

// Validate reports whether the request carries a correct signature. The
// form must not have been consumed with a rewound body before this call;
// ParseForm here reads the raw body exactly as the carrier signed it.
func (v *Validator) Validate(r *http.Request) bool {
	signature := r.Header.Get(v.header)
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := computeSignature(buildSignaturePayload(absoluteURL(r), r.PostForm), v.authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Sign computes the signature for a URL and form payload. Webhook tests use
// it to produce valid requests.
func (v *Validator) Sign(fullURL string, form url.Values) string {
	return computeSignature(buildSignaturePayload(fullURL, form), v.authToken)
}

func buildSignaturePayload(fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(fullURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// absoluteURL reconstructs the externally visible request URL, including the
// query string, honoring forwarding headers set by the edge proxy.
func absoluteURL(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	if r.URL.Scheme != "" {
		return r.URL.String()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}
