package x402pay

import (
	"net/http"
	"time"

	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/metrics"
	"github.com/vitwit/x402pay/types"
)

type Option func(*Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Service) {
		s.metrics = r
	}
}

// WithHTTPClient overrides the HTTP client used for the 402 round trip.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.httpClient = c
	}
}

// WithConfirmPolicy overrides the default confirmation policy.
func WithConfirmPolicy(p types.ConfirmPolicy) Option {
	return func(s *Service) {
		s.cfg.Confirm = p.WithDefaults()
	}
}

// WithRefreshDelay overrides the delay before the post-payment balance
// refresh.
func WithRefreshDelay(d time.Duration) Option {
	return func(s *Service) {
		s.cfg.RefreshDelay = d
	}
}

// WithRequestTimeout overrides the per-round-trip timeout.
func WithRequestTimeout(t time.Duration) Option {
	return func(s *Service) {
		s.cfg.RequestTimeout = t
	}
}
