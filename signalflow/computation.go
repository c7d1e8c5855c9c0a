package signalflow

import (
	"sync"

	"github.com/signalfx/signalfx-go-client/signalfxerr"
	"github.com/signalfx/signalfx-go-client/signalflow/messages"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Computation, per spec.md §4.5.
type State int

const (
	StateUnknown State = iota
	StateStreamStarted
	StateComputationStarted
	StateDataReceived
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStreamStarted:
		return "stream_started"
	case StateComputationStarted:
		return "computation_started"
	case StateDataReceived:
		return "data_received"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// factoryFunc re-opens a channel for this computation, optionally
// resuming from a given logical timestamp; it is the Go analogue of
// __init__.py's exec_fn closures threaded into computation.Computation.
type factoryFunc func(since *int64) (*Channel, error)

// Computation consumes a Channel and reconstructs the higher-level
// program lifecycle and logical-tick-accumulated data stream described in
// spec.md §4.5.
type Computation struct {
	mu sync.Mutex

	log     *zap.Logger
	factory factoryFunc
	channel *Channel

	state       State
	handle      string
	resolutionMs int64
	inputSeriesCount int64
	lastLogicalTS    *int64

	knownSeries map[string]map[string]interface{}

	expectedBatchesPerTick int
	batchCountDetected     bool
	tickBatchSeen          int
	currentBatch           *messages.DataMessage
	currentBatchTick       int64
	currentBatchHasTick    bool

	dataCh  chan *messages.DataMessage
	eventCh chan *messages.EventMessage
	done    chan struct{}
	err     error

	resumeAttempted bool
	closeRequested  bool
}

// newComputation starts consuming ch in a background goroutine, driven by
// factory for resumption attempts.
func newComputation(ch *Channel, factory factoryFunc, log *zap.Logger) *Computation {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Computation{
		log:         log,
		factory:     factory,
		channel:     ch,
		state:       StateUnknown,
		knownSeries: make(map[string]map[string]interface{}),
		dataCh:      make(chan *messages.DataMessage, 16),
		eventCh:     make(chan *messages.EventMessage, 16),
		done:        make(chan struct{}),
	}
	go c.run()
	return c
}

// Data returns the channel of logical-tick-accumulated data batches. It
// closes when the computation reaches a terminal state.
func (c *Computation) Data() <-chan *messages.DataMessage { return c.dataCh }

// Events returns the channel of SignalFlow detector-fired events, running
// independently of Data per SPEC_FULL.md §9's supplemented feature.
func (c *Computation) Events() <-chan *messages.EventMessage { return c.eventCh }

// Done is closed when the computation reaches a terminal state; Err then
// reports why.
func (c *Computation) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, if any, once Done is closed: nil on a
// clean EndOfChannel/explicit Close, *signalfxerr.ComputationAbortedError
// or *signalfxerr.ComputationFailedError on an abort or error message, and
// a TransportError when the channel ends unexpectedly and cannot be
// resumed.
func (c *Computation) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the computation's current lifecycle state.
func (c *Computation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle returns the server-assigned computation handle, set once
// JobStart has been observed.
func (c *Computation) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Resolution returns the computation's resolution in milliseconds, once
// reported via a JOB_RUNNING_RESOLUTION info message.
func (c *Computation) Resolution() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolutionMs
}

// InputSeriesCount returns the running total of input timeseries reported
// via FETCH_NUM_TIMESERIES info messages.
func (c *Computation) InputSeriesCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputSeriesCount
}

// Metadata returns the last known properties for a tsid, or ok=false if
// it has expired or was never observed.
func (c *Computation) Metadata(tsid string) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.knownSeries[tsid]
	return p, ok
}

// Close ends the computation from the caller's side, detaching its
// channel; the background goroutine observes the resulting end sentinel
// and transitions to completed.
func (c *Computation) Close() {
	c.mu.Lock()
	c.closeRequested = true
	c.mu.Unlock()
	c.channel.Close()
}

func (c *Computation) run() {
	defer close(c.done)
	for {
		msg, ok := c.channel.Next()
		if !ok {
			c.onChannelEnd()
			return
		}
		if terminal := c.handle1(msg); terminal {
			return
		}
	}
}

// handle1 processes one message, returning true if the computation
// reached a terminal state and the run loop should stop.
func (c *Computation) handle1(msg messages.Message) bool {
	switch m := msg.(type) {
	case *messages.StreamStartMessage:
		c.setState(StateStreamStarted)
	case *messages.JobStartMessage:
		c.mu.Lock()
		c.handle = m.Handle
		c.mu.Unlock()
		c.setState(StateComputationStarted)
	case *messages.JobProgressMessage:
		// no derived state beyond what callers read off the message itself
	case *messages.MetadataMessage:
		c.mu.Lock()
		c.knownSeries[m.TSID] = m.Properties
		c.mu.Unlock()
	case *messages.ExpiredTsidMessage:
		c.mu.Lock()
		delete(c.knownSeries, m.TSID)
		c.mu.Unlock()
	case *messages.InfoMessage:
		c.applyInfo(m)
	case *messages.DataMessage:
		c.setState(StateDataReceived)
		c.accumulate(m)
	case *messages.EventMessage:
		c.eventCh <- m
	case *messages.ChannelAbortMessage:
		c.flushCurrentBatch()
		c.finish(StateAborted, &signalfxerr.ComputationAbortedError{
			Info: signalfxerr.AbortInfo{State: m.AbortState, Reason: m.AbortReason},
		})
		return true
	case *messages.EndOfChannelMessage:
		c.flushCurrentBatch()
		c.finish(StateCompleted, nil)
		return true
	case *messages.ErrorMessage:
		c.flushCurrentBatch()
		c.finish(StateAborted, &signalfxerr.ComputationFailedError{Errors: m.Errors})
		return true
	}
	return false
}

func (c *Computation) applyInfo(m *messages.InfoMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m.MessageCode {
	case messages.JobRunningResolution:
		if v, ok := numericField(m.Payload, "resolutionMs"); ok {
			c.resolutionMs = v
		}
	case messages.FetchNumTimeseries:
		if v, ok := numericField(m.Payload, "count"); ok {
			c.inputSeriesCount += v
		}
	case messages.FindMatchedNoTimeseries, messages.FindLimitedResultSet, messages.GroupByMissingProperty:
		// recognized but not recorded: these codes update no Computation
		// field, and InfoMessages are not passed on to callers.
	}
}

func numericField(payload map[string]interface{}, key string) (int64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func (c *Computation) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < s {
		c.state = s
	}
}

// accumulate implements the batch-grouping algorithm from spec.md §4.5:
// hold the current partial batch; fold same-logical-timestamp frames into
// it; flip and emit on a new timestamp; and once the expected
// frames-per-tick count is known (first observed tick), emit as soon as
// that many frames have been folded.
func (c *Computation) accumulate(m *messages.DataMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastLogicalTS = &m.LogicalTimestampMs

	if c.currentBatchHasTick && c.currentBatchTick == m.LogicalTimestampMs {
		c.currentBatch.Data = append(c.currentBatch.Data, m.Data...)
		c.tickBatchSeen++
	} else {
		c.flushCurrentBatchLocked()
		c.currentBatch = &messages.DataMessage{
			Channel:            m.Channel,
			LogicalTimestampMs: m.LogicalTimestampMs,
			MaxDelayMs:         m.MaxDelayMs,
			Data:               append([]messages.Datapoint{}, m.Data...),
		}
		c.currentBatchTick = m.LogicalTimestampMs
		c.currentBatchHasTick = true
		c.tickBatchSeen = 1
	}

	if !c.batchCountDetected {
		// still learning the expected count for this, the first tick;
		// emission for it happens only when the channel moves to a new
		// tick (handled by flushCurrentBatchLocked above) or at the
		// stream's end.
		c.expectedBatchesPerTick = c.tickBatchSeen
		return
	}

	if c.tickBatchSeen >= c.expectedBatchesPerTick {
		c.emitCurrentBatchLocked()
	}
}

// flushCurrentBatch emits any held partial batch, used on terminal states
// per spec.md §4.5 point 4.
func (c *Computation) flushCurrentBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushCurrentBatchLocked()
}

func (c *Computation) flushCurrentBatchLocked() {
	if c.currentBatch == nil {
		return
	}
	if !c.batchCountDetected {
		c.batchCountDetected = true
		c.expectedBatchesPerTick = c.tickBatchSeen
	}
	c.emitCurrentBatchLocked()
}

func (c *Computation) emitCurrentBatchLocked() {
	if c.currentBatch == nil {
		return
	}
	batch := c.currentBatch
	c.currentBatch = nil
	c.currentBatchHasTick = false
	c.tickBatchSeen = 0
	// dataCh is buffered; send outside the lock would require release
	// and reacquire, but the buffer is sized generously enough that
	// blocking here is rare and bounded by a slow consumer, matching the
	// single-consumer-owns-the-stream model in spec.md §4.
	c.mu.Unlock()
	c.dataCh <- batch
	c.mu.Lock()
}

func (c *Computation) finish(state State, err error) {
	c.mu.Lock()
	c.state = state
	c.err = err
	c.mu.Unlock()
	close(c.dataCh)
	close(c.eventCh)
}

// onChannelEnd handles the channel ending without a terminal control
// message (e.g. an underlying transport error): per spec.md §4.5
// Resumption, attempt one reopen via the factory, threading through
// last_logical_ts.
func (c *Computation) onChannelEnd() {
	c.mu.Lock()
	alreadyTerminal := c.state == StateCompleted || c.state == StateAborted
	resumeAttempted := c.resumeAttempted
	closeRequested := c.closeRequested
	since := c.lastLogicalTS
	c.mu.Unlock()

	if alreadyTerminal {
		return
	}
	if closeRequested {
		c.flushCurrentBatch()
		c.finish(StateCompleted, nil)
		return
	}
	if resumeAttempted || c.factory == nil {
		c.flushCurrentBatch()
		c.finish(StateAborted, signalfxerr.New(signalfxerr.TransportError, "signalflow channel ended unexpectedly"))
		return
	}

	c.mu.Lock()
	c.resumeAttempted = true
	c.mu.Unlock()

	newCh, err := c.factory(since)
	if err != nil {
		c.flushCurrentBatch()
		c.finish(StateAborted, signalfxerr.Wrap(signalfxerr.TransportError, "resuming signalflow computation failed", err))
		return
	}
	c.log.Info("resuming signalflow computation", zap.Int64p("since", since))
	c.channel = newCh
	for {
		msg, ok := c.channel.Next()
		if !ok {
			c.onChannelEnd()
			return
		}
		if terminal := c.handle1(msg); terminal {
			return
		}
	}
}
