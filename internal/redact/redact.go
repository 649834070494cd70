// Package redact scrubs request signatures from strings bound for logs.
package redact

import "regexp"

// signaturePattern matches a signed-request signature in a URL or query,
// including the percent-encoded "signature%3D" form.
var signaturePattern = regexp.MustCompile(`(?i)(signature(?:=|%3D))[^&\s"]+`)

// Signatures replaces every signature value in s with "[REDACTED]".
func Signatures(s string) string {
	return signaturePattern.ReplaceAllString(s, "${1}[REDACTED]")
}
