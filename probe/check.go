package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/risa-org/streamlink/endpoint"
)

// Outcome classifies a single liveness check.
type Outcome int

const (
	OutcomeOK         Outcome = iota // endpoint answered 2xx
	OutcomeTimeout                   // no answer within the check timeout
	OutcomeNoResponse                // request went out, nothing came back (refused, reset, dns)
	OutcomeForbidden                 // endpoint answered 403, usually CORS or access config
	OutcomeFailed                    // anything else, Detail says what
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNoResponse:
		return "no_response"
	case OutcomeForbidden:
		return "forbidden"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a Checker reports for one endpoint.
type Result struct {
	Outcome Outcome
	Status  int    // HTTP status when the server answered, 0 otherwise
	Detail  string // response body or error text for OutcomeFailed
}

// Checker performs one liveness check against an endpoint.
// Implementations must return once timeout elapses or ctx is done.
type Checker interface {
	Check(ctx context.Context, ep endpoint.Endpoint, timeout time.Duration) Result
}

// maxDetailBytes caps how much of an error response body ends up in a retry explanation.
const maxDetailBytes = 512

// HTTPChecker GETs the endpoint's health path.
type HTTPChecker struct {
	Client *http.Client
	Path   string // defaults to endpoint.HealthPath
	Origin string // sent as the Origin header when set
}

func NewHTTPChecker() *HTTPChecker {
	return &HTTPChecker{Client: &http.Client{}, Path: endpoint.HealthPath}
}

func (c *HTTPChecker) Check(ctx context.Context, ep endpoint.Endpoint, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := c.Path
	if path == "" {
		path = endpoint.HealthPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.HTTPURL(path), nil)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Detail: err.Error()}
	}
	if c.Origin != "" {
		req.Header.Set("Origin", c.Origin)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return classifyError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDetailBytes))
		return Result{Outcome: OutcomeOK, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusForbidden:
		return Result{Outcome: OutcomeForbidden, Status: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
		return Result{
			Outcome: OutcomeFailed,
			Status:  resp.StatusCode,
			Detail:  strings.TrimSpace(string(body)),
		}
	}
}

// classifyError separates our own timeout from the endpoint not answering at all.
// The caller's cancellation is reported as a failure; the prober checks ctx itself.
func classifyError(ctx context.Context, err error) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Result{Outcome: OutcomeTimeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Result{Outcome: OutcomeTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return Result{Outcome: OutcomeFailed, Detail: err.Error()}
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.Is(err, io.EOF) {
		return Result{Outcome: OutcomeNoResponse, Detail: err.Error()}
	}
	return Result{Outcome: OutcomeFailed, Detail: fmt.Sprint(err)}
}
