// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
	"strings"
)

// QueryParam is a single decoded query-string pair.
type QueryParam struct {
	Key   string
	Value string
}

// Query is an ordered list of query pairs. Unlike url.Values it keeps the
// caller's order and repeats duplicate keys.
type Query []QueryParam

// ParseQuery decodes a raw query string, keeping pair order. Pairs are split
// on '&' only, so a ';' stays inside its value. Malformed percent escapes are
// kept as literal text rather than rejected.
func ParseQuery(raw string) Query {
	var q Query
	for raw != "" {
		var part string
		part, raw, _ = strings.Cut(raw, "&")
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		q = append(q, QueryParam{Key: unescape(k), Value: unescape(v)})
	}
	return q
}

// unescape form-decodes s: '+' becomes a space and "%XX" becomes its byte.
// A '%' not followed by two hex digits is copied through unchanged.
func unescape(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b = append(b, ' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b = append(b, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		default:
			b = append(b, c)
		}
	}
	return string(b)
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case c >= 'a':
		return c - 'a' + 10
	case c >= 'A':
		return c - 'A' + 10
	}
	return c - '0'
}

// Get returns the first value for key, or "" when absent.
func (q Query) Get(key string) string {
	for _, p := range q {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Without returns a copy of q with every pair named key removed.
func (q Query) Without(key string) Query {
	out := make(Query, 0, len(q))
	for _, p := range q {
		if p.Key != key {
			out = append(out, p)
		}
	}
	return out
}

// Encode form-encodes q in order ("k=v&k=v").
func (q Query) Encode() string {
	var b strings.Builder
	for i, p := range q {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// Target is a resolved upstream URL.
type Target struct {
	Upstream string // "spot" or "futures"
	URL      *url.URL
}

// ProxyResponse represents the raw upstream response.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ProxyResult is a successful upstream response, fully read.
type ProxyResult struct {
	Header http.Header
	Body   []byte
}
