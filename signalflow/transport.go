package signalflow

import "context"

// ExecuteParams carries the optional parameters accepted by execute,
// preflight, start and attach, matching the client→server control frame
// fields in spec.md §6.
type ExecuteParams struct {
	Start                     *int64
	Stop                      *int64
	Resolution                *int64
	MaxDelay                  *int64
	Persistent                bool
	Immediate                 bool
	DisableAllMetricPublishes *bool
	Filters                   map[string]string
	Reason                    string
}

// Transport is the capability a SignalFlow Client is built on; the
// multiplexed duplex socket and the SSE fallback are its two
// implementations, per spec.md §4.6/Design Notes ("model as variants of
// a Transport capability consumed by the client façade").
type Transport interface {
	Execute(ctx context.Context, program string, params ExecuteParams) (*Channel, error)
	Preflight(ctx context.Context, program string, params ExecuteParams) (*Channel, error)
	Start(ctx context.Context, program string, params ExecuteParams) error
	Attach(ctx context.Context, handle string, params ExecuteParams) (*Channel, error)
	Keepalive(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string, params ExecuteParams) error
	Detach(ch *Channel)
	Close() error
}
