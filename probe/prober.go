package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/risa-org/streamlink/endpoint"
	"github.com/risa-org/streamlink/observability"
)

// DefaultInterval is the time budget for one check and the minimum spacing between checks.
const DefaultInterval = 500 * time.Millisecond

// CORSDocumentation is linked from the explanation shown for a 403 answer.
const CORSDocumentation = "https://developer.mozilla.org/en-US/docs/Web/HTTP/CORS"

// DefaultCommandLine is shown when a local endpoint stops answering.
const DefaultCommandLine = "streamlink-server"

var ErrNoEndpoints = errors.New("no endpoints to probe")

// RetryFunc is called before every wait between checks.
// attempts counts full passes over the endpoint list, starting at 1.
type RetryFunc func(attempts int, explanation string)

// Options tune a Prober. Zero values pick the defaults.
type Options struct {
	// IsLocal decides whether an endpoint gets the "is the server still running" hint.
	IsLocal func(endpoint.Endpoint) bool
	// CommandLine is quoted in that hint.
	CommandLine string
	// MinDelay is a floor on the wait between checks. Zero means no floor.
	MinDelay time.Duration
	Logger   *zerolog.Logger
}

// Prober finds a live endpoint by checking candidates round-robin.
// It never gives up on its own. Only cancelling ctx stops it.
type Prober struct {
	checker     Checker
	isLocal     func(endpoint.Endpoint) bool
	commandLine string
	minDelay    time.Duration
	log         zerolog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewProber(checker Checker, opts Options) *Prober {
	p := &Prober{
		checker:     checker,
		isLocal:     opts.IsLocal,
		commandLine: opts.CommandLine,
		minDelay:    opts.MinDelay,
		now:         time.Now,
		after:       time.After,
	}
	if p.isLocal == nil {
		p.isLocal = endpoint.Endpoint.IsLocal
	}
	if p.commandLine == "" {
		p.commandLine = DefaultCommandLine
	}
	if opts.Logger != nil {
		p.log = *opts.Logger
	} else {
		p.log = observability.Component("probe")
	}
	return p
}

// Probe checks endpoints starting at index 0 until one answers OK and returns its index.
//
// Each check gets interval as its timeout. After a failed check:
//   - a timeout moves on to the next endpoint immediately
//   - anything else waits out what is left of interval since the check started
//
// so no endpoint is checked more often than once per interval however fast it fails.
// onRetry, if non-nil, sees every failure before the wait.
func (p *Prober) Probe(ctx context.Context, endpoints []endpoint.Endpoint, interval time.Duration, onRetry RetryFunc) (int, error) {
	if len(endpoints) == 0 {
		return 0, ErrNoEndpoints
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	attempts := 0
	index := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		ep := endpoints[index]
		if index == 0 {
			attempts++
		}
		started := p.now()
		p.log.Debug().Str("endpoint", ep.String()).Int("attempt", attempts).Msg("checking endpoint")

		res := p.checker.Check(ctx, ep, interval)
		observability.RecordProbeAttempt(res.Outcome.String())
		if res.Outcome == OutcomeOK {
			p.log.Debug().Str("endpoint", ep.String()).Int("index", index).Msg("endpoint is live")
			return index, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		explanation := p.explain(ep, res)
		if onRetry != nil {
			onRetry(attempts, explanation)
		}

		wait := p.waitFor(res.Outcome, p.now().Sub(started), interval)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-p.after(wait):
			}
		}

		index++
		if index >= len(endpoints) {
			index = 0
		}
	}
}

func (p *Prober) waitFor(outcome Outcome, elapsed, interval time.Duration) time.Duration {
	var wait time.Duration
	if outcome != OutcomeTimeout && elapsed < interval {
		wait = interval - elapsed
	}
	if wait < p.minDelay {
		wait = p.minDelay
	}
	return wait
}

func (p *Prober) explain(ep endpoint.Endpoint, res Result) string {
	switch res.Outcome {
	case OutcomeTimeout:
		return "Connection timed out."
	case OutcomeNoResponse:
		if p.isLocal(ep) {
			return fmt.Sprintf(
				"Is the server still running? If you accidentally stopped it, just restart it in your terminal:\n\n    %s",
				p.commandLine,
			)
		}
		return "Connection failed with status 0."
	case OutcomeForbidden:
		return fmt.Sprintf(
			"Cannot connect (HTTP status: 403). If you are trying to access a server running on another host, "+
				"this could be due to its CORS settings: %s",
			CORSDocumentation,
		)
	default:
		if res.Status != 0 {
			return fmt.Sprintf("Connection failed with status %d, and response %q.", res.Status, res.Detail)
		}
		return res.Detail
	}
}
