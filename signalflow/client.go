// Package signalflow implements the SignalFx SignalFlow real-time
// analytics client: executing ad-hoc programs and streaming their output,
// starting background computations, and attaching to, keeping alive, or
// stopping already-running ones.
package signalflow

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Client is the SignalFlow façade combining a Transport with Computation
// lifecycle management, grounded on __init__.py's SignalFlowClient.
type Client struct {
	transport Transport
	log       *zap.Logger

	mu           sync.Mutex
	computations map[*Computation]struct{}
}

// New wraps transport (a MultiplexedTransport or SSETransport) in a
// Client.
func New(transport Transport, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		transport:    transport,
		log:          log,
		computations: make(map[*Computation]struct{}),
	}
}

func (c *Client) track(comp *Computation) *Computation {
	c.mu.Lock()
	c.computations[comp] = struct{}{}
	c.mu.Unlock()
	return comp
}

func withStart(params ExecuteParams, since *int64) ExecuteParams {
	if since != nil {
		params.Start = since
	}
	return params
}

// Execute runs program and streams its output back, per spec.md §4.6
// execute. The returned Computation resumes once, from its last observed
// logical timestamp, if the underlying channel ends unexpectedly.
func (c *Client) Execute(ctx context.Context, program string, params ExecuteParams) (*Computation, error) {
	ch, err := c.transport.Execute(ctx, program, params)
	if err != nil {
		return nil, err
	}
	factory := func(since *int64) (*Channel, error) {
		return c.transport.Execute(ctx, program, withStart(params, since))
	}
	return c.track(newComputation(ch, factory, c.log)), nil
}

// Preflight dry-runs program over the given window, estimating the cost
// of actually executing it without consuming a production job slot.
func (c *Client) Preflight(ctx context.Context, program string, params ExecuteParams) (*Computation, error) {
	ch, err := c.transport.Preflight(ctx, program, params)
	if err != nil {
		return nil, err
	}
	factory := func(since *int64) (*Channel, error) {
		return c.transport.Preflight(ctx, program, withStart(params, since))
	}
	return c.track(newComputation(ch, factory, c.log)), nil
}

// Start launches program as a detached background computation: no output
// is streamed back, and the computation keeps running server-side until
// stopped or it reaches its configured stop time.
func (c *Client) Start(ctx context.Context, program string, params ExecuteParams) error {
	return c.transport.Start(ctx, program, params)
}

// Attach resumes streaming the output of an already-running computation
// identified by handle, per spec.md §4.6 attach.
func (c *Client) Attach(ctx context.Context, handle string, params ExecuteParams) (*Computation, error) {
	ch, err := c.transport.Attach(ctx, handle, params)
	if err != nil {
		return nil, err
	}
	factory := func(_ *int64) (*Channel, error) {
		return c.transport.Attach(ctx, handle, params)
	}
	return c.track(newComputation(ch, factory, c.log)), nil
}

// Keepalive signals that a detached computation should not be garbage
// collected for inactivity.
func (c *Client) Keepalive(ctx context.Context, handle string) error {
	return c.transport.Keepalive(ctx, handle)
}

// Stop terminates a running computation by handle, optionally recording
// reason in the job's audit trail.
func (c *Client) Stop(ctx context.Context, handle string, reason string) error {
	return c.transport.Stop(ctx, handle, ExecuteParams{Reason: reason})
}

// Close shuts down the client's transport and every Computation it opened.
func (c *Client) Close() error {
	c.mu.Lock()
	comps := make([]*Computation, 0, len(c.computations))
	for comp := range c.computations {
		comps = append(comps, comp)
	}
	c.computations = make(map[*Computation]struct{})
	c.mu.Unlock()

	for _, comp := range comps {
		comp.Close()
	}
	return c.transport.Close()
}
