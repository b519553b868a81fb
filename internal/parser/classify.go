package parser

import "strings"

// classifyMalformed evaluates the ordered malformed-request rule table
// against a matched line's request field, parsed method, and status code.
// First hit wins; an unmatched line never reaches here (it is already
// malformed with a generic parse error).
func classifyMalformed(request, method string, status int) (bool, string) {
	switch {
	case strings.Contains(request, `\x16\x03`) || strings.Contains(request, "\x16\x03"):
		return true, "TLS handshake sent to HTTP port (escaped)"

	case strings.HasPrefix(request, "SSH-") || strings.Contains(request, "\x53\x53\x48"):
		return true, "SSH probe"

	case strings.Contains(request, "\xffSMB") || strings.Contains(request, "SMBr") || strings.Contains(request, "NT LM"):
		return true, "SMB probe"

	case (method == "" || method == "-") && status == 400:
		return true, "TLS probe to HTTPS-only port"

	case method == "" || method == "-":
		return true, "no HTTP method"

	case !validMethods[method]:
		return true, "invalid HTTP method"

	case status == 408:
		return true, "request timeout"

	case status == 444:
		return true, "nginx client abort (444)"

	case status == 499:
		return true, "client closed connection (499)"

	default:
		return false, ""
	}
}
