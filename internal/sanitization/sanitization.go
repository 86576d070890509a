// Copyright 2025 James Ross
// Package sanitization strips sensitive or unbounded data from anything that
// reaches a log line: request headers and backend error bodies.
package sanitization

import (
	"net/http"
	"strings"
)

// RedactionToken replaces a redacted header value in log output.
const RedactionToken = "***REDACTED***"

// Headers returns a shallow copy of h with the Authorization header replaced
// by RedactionToken. It never mutates h. Safe to call on a nil header map.
func Headers(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if strings.EqualFold(k, "Authorization") {
			out[k] = []string{RedactionToken}
			continue
		}
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// maxErrorBodyLen bounds how much of a backend error body a log line carries.
const maxErrorBodyLen = 2048

// Error truncates and strips control bytes from a backend error body before
// it is safe to put in a log line. Distinct from header redaction: this
// guards against runaway or binary-garbage response bodies, not secrets.
func Error(body []byte) string {
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}
	b := make([]byte, 0, len(body))
	for _, c := range body {
		if c == '\n' || c == '\t' || (c >= 0x20 && c < 0x7f) {
			b = append(b, c)
		}
	}
	return string(b)
}
