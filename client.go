// Package signalfx is the top-level façade over the SignalFx ingest
// pipeline and SignalFlow real-time analytics client, grounded on the
// original client's two entry points (SignalFx/ingest.py and
// signalflow.SignalFlowClient) unified behind one Config.
package signalfx

import (
	"go.uber.org/zap"

	"github.com/signalfx/signalfx-go-client/ingest"
	"github.com/signalfx/signalfx-go-client/internal/instrumentation"
	"github.com/signalfx/signalfx-go-client/internal/transport"
	"github.com/signalfx/signalfx-go-client/signalflow"
)

// Client builds Ingest and SignalFlow clients sharing one Config.
type Client struct {
	cfg Config
	log *zap.Logger
}

// New builds a Client from cfg. A nil log disables all log output.
func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, log: log}
}

// IngestOption configures a single Ingest() call beyond the shared Config.
type IngestOption func(*ingest.Config)

// WithBatchSize overrides the ingest pipeline's per-request batch size.
func WithBatchSize(n int) IngestOption {
	return func(c *ingest.Config) { c.BatchSize = n }
}

// WithBinaryEncoding selects the compact binary wire codec instead of the
// default JSON one.
func WithBinaryEncoding() IngestOption {
	return func(c *ingest.Config) { c.Encoding = ingest.Binary }
}

// WithUserAgentExtra appends caller-identifying tokens to the client's
// composed User-Agent header.
func WithUserAgentExtra(extra ...string) IngestOption {
	return func(c *ingest.Config) { c.UserAgent = UserAgent(extra...) }
}

// Ingest builds a datapoint/event ingest Client authenticated with token.
func (c *Client) Ingest(token string, opts ...IngestOption) *ingest.Client {
	errs := instrumentation.NewErrorCounters("signalfx_ingest")
	cfg := ingest.Config{
		Endpoint:  c.cfg.IngestEndpoint,
		Token:     token,
		UserAgent: UserAgent(),
		Timeout:   int(c.cfg.Timeout.Seconds()),
		Compress:  c.cfg.Compress,
		Client:    transport.NewHTTPClient(c.cfg.Timeout),
		Log:       c.log,
		Errors:    errs,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return ingest.New(cfg)
}

// SignalFlowTransportKind selects which wire transport a SignalFlow
// client uses.
type SignalFlowTransportKind int

const (
	// Multiplexed is the default single-duplex-socket transport.
	Multiplexed SignalFlowTransportKind = iota
	// SSE is the one-request-per-computation fallback transport.
	SSE
)

// SignalFlowOption configures a single SignalFlow() call.
type SignalFlowOption func(*signalFlowOptions)

type signalFlowOptions struct {
	transportKind SignalFlowTransportKind
	userAgentExtra []string
}

// WithTransport selects the SignalFlow transport kind (Multiplexed or
// SSE); Multiplexed is the default.
func WithTransport(kind SignalFlowTransportKind) SignalFlowOption {
	return func(o *signalFlowOptions) { o.transportKind = kind }
}

// WithSignalFlowUserAgentExtra appends caller-identifying tokens to the
// SignalFlow client's composed User-Agent header.
func WithSignalFlowUserAgentExtra(extra ...string) SignalFlowOption {
	return func(o *signalFlowOptions) { o.userAgentExtra = extra }
}

// SignalFlow builds a real-time analytics client authenticated with
// token, per spec.md §4.6.
func (c *Client) SignalFlow(token string, opts ...SignalFlowOption) *signalflow.Client {
	sfo := signalFlowOptions{transportKind: Multiplexed}
	for _, opt := range opts {
		opt(&sfo)
	}

	errs := instrumentation.NewErrorCounters("signalfx_signalflow")
	userAgent := UserAgent(sfo.userAgentExtra...)

	var t signalflow.Transport
	switch sfo.transportKind {
	case SSE:
		t = signalflow.NewSSETransport(c.cfg.StreamEndpoint, token, userAgent, transport.NewHTTPClient(c.cfg.Timeout), c.log, errs)
	default:
		t = signalflow.NewMultiplexedTransport(c.cfg.StreamEndpoint, token, userAgent, c.cfg.Timeout, c.cfg.Compress, c.log, errs)
	}
	return signalflow.New(t, c.log)
}
