// Package ingest implements the SignalFx datapoint/event ingest pipeline:
// a FIFO send queue drained by a single background worker, batching up to
// a configured size per HTTP POST, with gzip compression and a one-shot
// reconnect-and-retry on connection failure, grounded on
// _BaseSignalFxIngestClient in ingest.py.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/signalfx/signalfx-go-client/annotation"
	"github.com/signalfx/signalfx-go-client/datapoint"
	"github.com/signalfx/signalfx-go-client/event"
	"github.com/signalfx/signalfx-go-client/internal/instrumentation"
	"github.com/signalfx/signalfx-go-client/internal/transport"
	"github.com/signalfx/signalfx-go-client/signalfxerr"
	wirebinary "github.com/signalfx/signalfx-go-client/wire/binary"
	wirejson "github.com/signalfx/signalfx-go-client/wire/json"
)

// Encoding selects the wire codec used to serialize queued observations.
type Encoding int

const (
	// JSON is the default: {"gauge":[...],"counter":[...],...}.
	JSON Encoding = iota
	// Binary is the compact length-delimited framed format.
	Binary
)

const (
	datapointPath = "v2/datapoint"
	eventPath     = "v2/event"

	defaultQueueDepth = 10000
)

// Config carries the tunables an ingest Client is built from. Zero values
// take the defaults noted per field.
type Config struct {
	Endpoint   string // default https://ingest.signalfx.com
	Token      string
	UserAgent  string
	Timeout    int // seconds; default 5
	BatchSize  int // default 300, also used for any value below 1
	Compress   bool
	Encoding   Encoding
	Client     *http.Client // defaults to internal/transport.NewHTTPClient
	Log        *zap.Logger
	Errors     *instrumentation.ErrorCounters
	QueueDepth int // default defaultQueueDepth; bounds the Send/SendEvent backlog
}

// Client is a running ingest pipeline: queued Send/SendEvent calls are
// encoded and POSTed by a single background worker goroutine, matching
// _send's single-consumer-thread model.
type Client struct {
	endpoint  string
	token     string
	userAgent string
	batchSize int
	compress  bool
	encoding  Encoding
	http      *http.Client
	log       *zap.Logger
	errors    *instrumentation.ErrorCounters

	annotations *annotation.Map

	mu        sync.Mutex
	running   bool
	queue     chan queuedItem
	done      chan struct{}
	forceStop chan struct{}
}

type queuedItem struct {
	observation *datapoint.Observation
	event       *event.Event
	stop        bool
}

// New builds a Client and starts its background worker lazily: nothing is
// spawned until the first Send or SendEvent call, matching
// _start_thread's "ensure the sending thread is running" semantics.
func New(cfg Config) *Client {
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 300
	}
	timeoutSecs := cfg.Timeout
	if timeoutSecs < 1 {
		timeoutSecs = 5
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(time.Duration(timeoutSecs) * time.Second)
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://ingest.signalfx.com"
	}
	endpoint = strings.TrimRight(endpoint, "/")
	queueDepth := cfg.QueueDepth
	if queueDepth < 1 {
		queueDepth = defaultQueueDepth
	}
	return &Client{
		endpoint:    endpoint,
		token:       cfg.Token,
		userAgent:   cfg.UserAgent,
		batchSize:   batchSize,
		compress:    cfg.Compress,
		encoding:    cfg.Encoding,
		http:        httpClient,
		log:         log,
		errors:      cfg.Errors,
		annotations: annotation.NewMap(),
		queue:       make(chan queuedItem, queueDepth),
		done:        make(chan struct{}),
		forceStop:   make(chan struct{}),
	}
}

// AddDimensions merges the given dimensions into the set applied to every
// future Send/SendEvent call, overwriting existing values for the same
// keys, per add_dimensions.
func (c *Client) AddDimensions(dimensions map[string]string) {
	c.annotations.Add(dimensions)
}

// RemoveDimensions deletes the named default dimensions, silently
// ignoring names that were never added, per remove_dimensions.
func (c *Client) RemoveDimensions(names []string) {
	c.annotations.Remove(names)
}

// Send enqueues a batch of observations for delivery, starting the
// background worker if it is not already running. An empty batch is a
// no-op, per send's "if not gauges and not cumulative_counters and not
// counters: return" guard. If the queue has no room left for an
// observation, Send stops enqueueing and returns a QueueFull error; any
// observations already enqueued earlier in the call remain queued.
func (c *Client) Send(observations ...datapoint.Observation) error {
	if len(observations) == 0 {
		return nil
	}
	for i := range observations {
		if err := observations[i].Validate(); err != nil {
			return err
		}
		observations[i].Dimensions = c.annotations.Merge(observations[i].Dimensions)
	}
	c.ensureWorker()
	for i := range observations {
		o := observations[i]
		select {
		case c.queue <- queuedItem{observation: &o}:
		default:
			c.log.Warn("dropping observation, ingest queue full", zap.String("metric", o.Metric))
			c.recordError(signalfxerr.QueueFull)
			return signalfxerr.New(signalfxerr.QueueFull, fmt.Sprintf("ingest queue full, dropped observation %q", o.Metric))
		}
	}
	return nil
}

// SendEvent enqueues a single event for delivery, per send_event. If the
// queue has no room left, SendEvent returns a QueueFull error.
func (c *Client) SendEvent(e event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.Dimensions = c.annotations.Merge(e.Dimensions)
	c.ensureWorker()
	select {
	case c.queue <- queuedItem{event: &e}:
	default:
		c.log.Warn("dropping event, ingest queue full", zap.String("eventType", e.EventType))
		c.recordError(signalfxerr.QueueFull)
		return signalfxerr.New(signalfxerr.QueueFull, fmt.Sprintf("ingest queue full, dropped event %q", e.EventType))
	}
	return nil
}

func (c *Client) ensureWorker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	go c.run()
	c.log.Info("ingest send worker started")
}

// Stop drains the queue and stops the background worker, blocking until
// every already-queued item has been sent (or given up on after the
// reconnect retry), matching stop's join() on the send thread. Calling
// Stop on a Client whose worker never started is a no-op.
//
// The queue is never closed: Send/SendEvent may be called concurrently
// with Stop, so shutdown is signaled with a sentinel item instead of
// closing the channel, which would otherwise risk a send-on-closed-channel
// panic in a racing Send call.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.queue <- queuedItem{stop: true}
	<-c.done
	c.log.Info("ingest send worker stopped")
}

// StopForce abandons any items still in the queue and stops the
// background worker immediately, without waiting for them to be sent,
// matching the original client's stop(force=True) path. Unlike Stop, this
// does not join on a graceful drain: items queued but not yet dequeued by
// the worker are simply never sent. Calling StopForce on a Client whose
// worker never started is a no-op.
func (c *Client) StopForce() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.forceStop)
	<-c.done
	c.log.Info("ingest send worker force-stopped, queued items abandoned")
}

// ResetErrorCounters returns the error counts accumulated since the last
// call and resets them to zero, matching reset_error_counters.
func (c *Client) ResetErrorCounters() map[string]int64 {
	if c.errors == nil {
		return nil
	}
	return c.errors.Snapshot()
}

func (c *Client) recordError(kind signalfxerr.Kind) {
	if c.errors != nil {
		c.errors.Inc(kind.String())
	}
}

// run is the single background worker: it drains the queue in batches of
// up to batchSize, POSTing datapoints as one request per batch and events
// individually, matching _send's batching loop.
func (c *Client) run() {
	defer close(c.done)

	for {
		select {
		case <-c.forceStop:
			return
		default:
		}
		var item queuedItem
		select {
		case item = <-c.queue:
		case <-c.forceStop:
			return
		}
		if item.stop {
			return
		}
		if item.event != nil {
			c.sendEvent(*item.event)
			continue
		}

		batch := []datapoint.Observation{*item.observation}
		stopSeen := false
	fill:
		for len(batch) < c.batchSize {
			select {
			case next := <-c.queue:
				switch {
				case next.stop:
					stopSeen = true
					break fill
				case next.event != nil:
					c.sendEvent(*next.event)
				default:
					batch = append(batch, *next.observation)
				}
			default:
				break fill
			}
		}
		c.sendBatch(batch)
		if stopSeen {
			return
		}
	}
}

func (c *Client) sendBatch(observations []datapoint.Observation) {
	body, err := c.encodeBatch(observations)
	if err != nil {
		c.log.Error("encoding ingest batch failed", zap.Error(err))
		c.recordError(signalfxerr.InvalidInput)
		return
	}
	if err := c.post(context.Background(), datapointPath, body); err != nil {
		c.log.Error("posting datapoints to SignalFx failed", zap.Error(err))
		c.recordError(signalfxerr.TransportError)
	}
}

func (c *Client) sendEvent(e event.Event) {
	body, err := wirejson.EncodeEvent(e)
	if err != nil {
		c.log.Error("encoding ingest event failed", zap.Error(err))
		c.recordError(signalfxerr.InvalidInput)
		return
	}
	if err := c.post(context.Background(), eventPath, body); err != nil {
		c.log.Error("posting event to SignalFx failed", zap.Error(err))
		c.recordError(signalfxerr.TransportError)
	}
}

func (c *Client) encodeBatch(observations []datapoint.Observation) ([]byte, error) {
	switch c.encoding {
	case Binary:
		return wirebinary.EncodeBatch(observations)
	default:
		return wirejson.EncodeBatch(observations)
	}
}

// post sends body to path, compressing it with gzip when configured and
// retrying once against a fresh connection on a network-level failure,
// matching _post's "attempt reconnect" branch around requests.ConnectionError.
func (c *Client) post(ctx context.Context, path string, body []byte) error {
	contentEncoding := ""
	if c.compress {
		compressed, err := gzipCompress(body)
		if err != nil {
			return fmt.Errorf("compressing ingest payload: %w", err)
		}
		body = compressed
		contentEncoding = "gzip"
	}

	url := c.endpoint + "/" + path
	resp, err := c.doRequest(ctx, url, body, contentEncoding)
	if err != nil {
		c.log.Debug("ingest connection error, retrying once", zap.Error(err))
		resp, err = c.doRequest(ctx, url, body, contentEncoding)
		if err != nil {
			return signalfxerr.Wrap(signalfxerr.TransportError, "posting to signalfx ingest failed after retry", err)
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return signalfxerr.New(signalfxerr.TransportError, fmt.Sprintf("signalfx ingest responded with status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, url string, body []byte, contentEncoding string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-SF-Token", c.token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.encoding == Binary {
		req.Header.Set("Content-Type", "application/x-protobuf")
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	return c.http.Do(req)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
