package origin

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantOrigin string
		wantHost   string
		wantOK     bool
	}{
		{name: "simple http", in: "http://example.com", wantOrigin: "http://example.com", wantHost: "example.com", wantOK: true},
		{name: "uppercase host", in: "https://Example.COM", wantOrigin: "https://example.com", wantHost: "example.com", wantOK: true},
		{name: "default http port dropped", in: "http://example.com:80", wantOrigin: "http://example.com", wantHost: "example.com", wantOK: true},
		{name: "default https port dropped", in: "https://example.com:443", wantOrigin: "https://example.com", wantHost: "example.com", wantOK: true},
		{name: "non-default port kept", in: "https://example.com:8443", wantOrigin: "https://example.com:8443", wantHost: "example.com:8443", wantOK: true},
		{name: "ipv6 literal", in: "http://[::1]:8080", wantOrigin: "http://[::1]:8080", wantHost: "[::1]:8080", wantOK: true},
		{name: "null origin", in: "null", wantOrigin: "null", wantHost: "", wantOK: true},
		{name: "trailing slash allowed", in: "http://example.com/", wantOrigin: "http://example.com", wantHost: "example.com", wantOK: true},
		{name: "path rejected", in: "http://example.com/app", wantOK: false},
		{name: "query rejected", in: "http://example.com?x=1", wantOK: false},
		{name: "userinfo rejected", in: "http://user@example.com", wantOK: false},
		{name: "non-http scheme rejected", in: "ftp://example.com", wantOK: false},
		{name: "empty", in: "", wantOK: false},
		{name: "garbage", in: "not a url", wantOK: false},
		{name: "zero port rejected", in: "http://example.com:0", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOrigin, gotHost, ok := Normalize(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("Normalize(%q) ok=%v, want %v", tt.in, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if gotOrigin != tt.wantOrigin || gotHost != tt.wantHost {
				t.Fatalf("Normalize(%q) = (%q, %q), want (%q, %q)", tt.in, gotOrigin, gotHost, tt.wantOrigin, tt.wantHost)
			}
		})
	}
}

func TestAllowed_Allowlist(t *testing.T) {
	allowlist := []string{"https://app.example.com", "http://localhost:3000"}

	if !Allowed("https://app.example.com", "app.example.com", "relay.internal:8080", allowlist) {
		t.Fatalf("expected allowlisted origin to pass")
	}
	if Allowed("https://evil.example.com", "evil.example.com", "relay.internal:8080", allowlist) {
		t.Fatalf("expected non-allowlisted origin to fail")
	}
	if !Allowed("https://anything.example", "anything.example", "relay.internal", []string{"*"}) {
		t.Fatalf("expected wildcard to pass")
	}
}

func TestAllowed_SameHostDefault(t *testing.T) {
	if !Allowed("http://example.com:8080", "example.com:8080", "example.com:8080", nil) {
		t.Fatalf("expected same host:port to pass")
	}
	if Allowed("http://example.com:8080", "example.com:8080", "other.com:8080", nil) {
		t.Fatalf("expected different host to fail")
	}
	// Default ports are equivalent: Origin https://example.com vs request
	// host example.com:443.
	if !Allowed("https://example.com", "example.com", "example.com:443", nil) {
		t.Fatalf("expected default https port to match")
	}
	if Allowed("null", "", "example.com", nil) {
		t.Fatalf("expected null origin to fail same-host policy")
	}
}

func TestHeaderAllowed(t *testing.T) {
	if !HeaderAllowed("", "relay.example.com", nil) {
		t.Fatalf("expected missing Origin to be allowed")
	}
	if !HeaderAllowed("https://relay.example.com", "relay.example.com", nil) {
		t.Fatalf("expected same-host origin to be allowed")
	}
	if HeaderAllowed("https://evil.example.com", "relay.example.com", nil) {
		t.Fatalf("expected cross-host origin to be rejected")
	}
	if !HeaderAllowed("https://evil.example.com", "relay.example.com", []string{"https://evil.example.com"}) {
		t.Fatalf("expected allowlisted origin to be allowed")
	}
	if HeaderAllowed("not a url", "relay.example.com", []string{"*"}) {
		t.Fatalf("expected malformed origin to be rejected")
	}
}
