package endpoint

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Paths served by every endpoint, relative to its base path.
const (
	HealthPath  = "healthz"
	StreamPath  = "stream"
	MessagePath = "message"
)

var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint is one candidate location offering the stream service.
// It is a plain value. The client holds an ordered list of these
// and tries them round-robin, so order matters and is preserved.
type Endpoint struct {
	Host     string // hostname or IP, no port
	Port     int    // 0 means the scheme default
	BasePath string // path prefix the service is mounted under, no slashes at the ends
	Secure   bool   // https/wss instead of http/ws
}

// Parse reads an endpoint from a URL such as "http://localhost:8501/app".
// Accepted schemes are http, https, ws and wss.
func Parse(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w %q: %v", ErrInvalidEndpoint, raw, err)
	}

	var ep Endpoint
	switch u.Scheme {
	case "http", "ws":
	case "https", "wss":
		ep.Secure = true
	default:
		return Endpoint{}, fmt.Errorf("%w %q: unsupported scheme %q", ErrInvalidEndpoint, raw, u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("%w %q: missing host", ErrInvalidEndpoint, raw)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("%w %q: bad port %q", ErrInvalidEndpoint, raw, p)
		}
		ep.Port = port
	}
	ep.BasePath = strings.Trim(u.Path, "/")
	return ep, nil
}

// ParseAll parses a list of endpoint URLs, keeping their order.
func ParseAll(raws []string) ([]Endpoint, error) {
	eps := make([]Endpoint, 0, len(raws))
	for i, raw := range raws {
		ep, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("endpoint[%d]: %w", i, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// HTTPURL builds the http(s) URL for path under the endpoint's base path.
// path may carry a query string, e.g. "message?hash=abc".
func (e Endpoint) HTTPURL(path string) string {
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	return e.build(scheme, path)
}

// WebSocketURL builds the ws(s) URL for path under the endpoint's base path.
func (e Endpoint) WebSocketURL(path string) string {
	scheme := "ws"
	if e.Secure {
		scheme = "wss"
	}
	return e.build(scheme, path)
}

func (e Endpoint) build(scheme, path string) string {
	host := e.Host
	if e.Port != 0 {
		host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	parts := make([]string, 0, 2)
	if e.BasePath != "" {
		parts = append(parts, e.BasePath)
	}
	if p := strings.TrimLeft(path, "/"); p != "" {
		parts = append(parts, p)
	}
	return scheme + "://" + host + "/" + strings.Join(parts, "/")
}

// IsLocal reports whether the endpoint points at this machine.
// Only used to pick a friendlier explanation when nothing answers.
func (e Endpoint) IsLocal() bool {
	switch strings.ToLower(e.Host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (e Endpoint) String() string {
	return e.HTTPURL("")
}
