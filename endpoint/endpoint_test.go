package endpoint

import (
	"errors"
	"testing"
)

func TestParseHTTP(t *testing.T) {
	ep, err := Parse("http://localhost:8501/app/")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if ep.Host != "localhost" || ep.Port != 8501 || ep.BasePath != "app" || ep.Secure {
		t.Errorf("unexpected endpoint: %+v", ep)
	}
}

func TestParseSecureSchemes(t *testing.T) {
	for _, raw := range []string{"https://example.com", "wss://example.com"} {
		ep, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", raw, err)
		}
		if !ep.Secure {
			t.Errorf("expected %q to be secure", raw)
		}
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"http://",
		"http://host:99999",
		"://nope",
	}
	for _, raw := range cases {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("Parse(%q): expected ErrInvalidEndpoint, got %v", raw, err)
		}
	}
}

func TestParseAllKeepsOrder(t *testing.T) {
	eps, err := ParseAll([]string{"http://b:1", "http://a:2"})
	if err != nil {
		t.Fatalf("ParseAll failed: %v", err)
	}
	if len(eps) != 2 || eps[0].Host != "b" || eps[1].Host != "a" {
		t.Errorf("expected order [b a], got %+v", eps)
	}
}

func TestURLBuilding(t *testing.T) {
	ep := Endpoint{Host: "example.com", Port: 8080, BasePath: "app"}

	if got := ep.HTTPURL(HealthPath); got != "http://example.com:8080/app/healthz" {
		t.Errorf("unexpected health URL %q", got)
	}
	if got := ep.WebSocketURL(StreamPath); got != "ws://example.com:8080/app/stream" {
		t.Errorf("unexpected stream URL %q", got)
	}

	secure := Endpoint{Host: "example.com", Secure: true}
	if got := secure.WebSocketURL("/stream"); got != "wss://example.com/stream" {
		t.Errorf("unexpected secure URL %q", got)
	}
	if got := secure.HTTPURL(""); got != "https://example.com/" {
		t.Errorf("unexpected root URL %q", got)
	}
}

func TestIPv6Host(t *testing.T) {
	ep := Endpoint{Host: "::1", Port: 80}
	if got := ep.HTTPURL("healthz"); got != "http://[::1]:80/healthz" {
		t.Errorf("unexpected URL %q", got)
	}
	if !ep.IsLocal() {
		t.Error("::1 should be local")
	}
}

func TestIsLocal(t *testing.T) {
	if !(Endpoint{Host: "LocalHost"}).IsLocal() {
		t.Error("localhost should be local")
	}
	if (Endpoint{Host: "10.0.0.1"}).IsLocal() {
		t.Error("10.0.0.1 should not be local")
	}
}
