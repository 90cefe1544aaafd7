// Package origin validates browser Origin headers for the relay's HTTP and
// WebSocket surfaces.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port]) and the host[:port]
// portion for same-host comparisons. The special Origin value "null" is
// allowed and returned as-is.
func Normalize(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname, port, ok := normalizeHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}

	host = hostname
	if port != "" {
		host = host + ":" + port
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether the normalized origin may access the given request
// host.
//
// If allowedOrigins is non-empty, each entry must be either "*" or a
// normalized origin string (as produced by Normalize). Otherwise the default
// policy is same-host only; default ports are treated as equivalent.
func Allowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Default: same host:port. Scheme is intentionally not compared because
	// the relay may sit behind a TLS-terminating reverse proxy and see the
	// request as HTTP while the browser Origin is HTTPS.
	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" cannot match a host-based request.
		return false
	}

	hostname, port, ok := normalizeHostPort(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	normalizedRequestHost := hostname
	if port != "" {
		normalizedRequestHost = hostname + ":" + port
	}
	return originHost == normalizedRequestHost
}

// HeaderAllowed applies the origin policy to a raw Origin header value
// against the request host. An absent header is allowed (non-browser
// clients).
func HeaderAllowed(originHeader, requestHost string, allowedOrigins []string) bool {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return true
	}
	normalizedOrigin, originHost, ok := Normalize(trimmed)
	if !ok {
		return false
	}
	return Allowed(normalizedOrigin, originHost, requestHost, allowedOrigins)
}

// normalizeHostPort lowercases the hostname, validates the port, drops the
// scheme's default port and re-brackets IPv6 literals.
func normalizeHostPort(rawHost, scheme string) (host, port string, ok bool) {
	rawHostname, rawPort, ok := splitHostPort(rawHost)
	if !ok {
		return "", "", false
	}

	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", "", false
	}

	var portNum uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 || n > 65535 {
			return "", "", false
		}
		portNum = n
	}

	if (scheme == "http" && portNum == 80) || (scheme == "https" && portNum == 443) {
		portNum = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if portNum != 0 {
		return host, strconv.FormatUint(portNum, 10), true
	}
	return host, "", true
}

// splitHostPort splits an authority host[:port] string.
//
// The hostname is returned without brackets for IPv6 literals. The port is
// returned as-is (not validated) and will be empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
