package signalflow

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/signalfx/signalfx-go-client/internal/instrumentation"
	"github.com/signalfx/signalfx-go-client/signalflow/messages"
	"github.com/signalfx/signalfx-go-client/signalfxerr"
)

// SSETransport is the Server-Sent Events fallback transport: one HTTP
// request per computation rather than a single multiplexed socket,
// grounded on sse.py's SSETransport/SSEComputationChannel. It suits
// single, ad-hoc computations; the multiplexed transport is preferred for
// anything long-lived or running several computations at once.
type SSETransport struct {
	endpoint  string
	token     string
	userAgent string
	client    *http.Client // short calls: start/keepalive/stop
	streamer  *http.Client // execute/preflight/attach: no response-body deadline
	log       *zap.Logger
	errors    *instrumentation.ErrorCounters

	mu      sync.Mutex
	streams map[*Channel]func()
}

// NewSSETransport builds an SSETransport against endpoint (e.g.
// https://stream.signalfx.com) authenticating with token. client's
// Transport is reused for the streaming requests but with its Timeout
// stripped, since http.Client.Timeout covers the full response body read
// and a SignalFlow computation may stream for as long as the caller keeps
// it open.
func NewSSETransport(endpoint, token, userAgent string, client *http.Client, log *zap.Logger, errs *instrumentation.ErrorCounters) *SSETransport {
	if log == nil {
		log = zap.NewNop()
	}
	streamer := &http.Client{Transport: client.Transport}
	return &SSETransport{
		endpoint:  strings.TrimRight(endpoint, "/"),
		token:     token,
		userAgent: userAgent,
		client:    client,
		streamer:  streamer,
		log:       log,
		errors:    errs,
		streams:   make(map[*Channel]func()),
	}
}

func (t *SSETransport) path(parts ...string) string {
	return t.endpoint + "/v2/signalflow/" + strings.Join(parts, "/")
}

func (t *SSETransport) recordError(kind signalfxerr.Kind) {
	if t.errors != nil {
		t.errors.Inc(kind.String())
	}
}

func (t *SSETransport) post(ctx context.Context, client *http.Client, reqURL string, form url.Values, body string) (*http.Response, error) {
	if form != nil {
		reqURL = reqURL + "?" + form.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		t.recordError(signalfxerr.InvalidInput)
		return nil, signalfxerr.Wrap(signalfxerr.InvalidInput, "building signalflow request", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-SF-Token", t.token)
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.recordError(signalfxerr.TransportError)
		return nil, signalfxerr.Wrap(signalfxerr.TransportError, "signalflow request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		t.recordError(signalfxerr.TransportError)
		return nil, signalfxerr.New(signalfxerr.TransportError, fmt.Sprintf("signalflow request to %s failed with status %d", reqURL, resp.StatusCode))
	}
	return resp, nil
}

func paramsToForm(p ExecuteParams) url.Values {
	form := url.Values{}
	if p.Start != nil {
		form.Set("start", fmt.Sprintf("%d", *p.Start))
	}
	if p.Stop != nil {
		form.Set("stop", fmt.Sprintf("%d", *p.Stop))
	}
	if p.Resolution != nil {
		form.Set("resolution", fmt.Sprintf("%d", *p.Resolution))
	}
	if p.MaxDelay != nil {
		form.Set("maxDelay", fmt.Sprintf("%d", *p.MaxDelay))
	}
	if p.Persistent {
		form.Set("persistent", "true")
	}
	if p.Immediate {
		form.Set("immediate", "true")
	}
	if p.DisableAllMetricPublishes != nil {
		form.Set("disableAllMetricPublishes", fmt.Sprintf("%t", *p.DisableAllMetricPublishes))
	}
	if p.Reason != "" {
		form.Set("reason", p.Reason)
	}
	for k, v := range p.Filters {
		form.Set(k, v)
	}
	return form
}

func (t *SSETransport) openChannel(ctx context.Context, reqURL string, form url.Values, body string) (*Channel, error) {
	// The cancelable context must wrap the request itself, not just the
	// pump loop that reads it: canceling a context derived only after
	// post() has already returned never reaches the in-flight request, so
	// a later Detach/Close could never unblock a pump stuck reading.
	ctx, cancel := context.WithCancel(ctx)
	resp, err := t.post(ctx, t.streamer, reqURL, form, body)
	if err != nil {
		cancel()
		return nil, err
	}

	ch := newChannel(64, func(c *Channel) {
		t.mu.Lock()
		delete(t.streams, c)
		t.mu.Unlock()
		cancel()
		resp.Body.Close()
	})
	t.mu.Lock()
	t.streams[ch] = cancel
	t.mu.Unlock()

	go t.pump(ctx, ch, resp)
	return ch, nil
}

// pump reads the Server-Sent Events stream body, one "event:"/"data:"
// record at a time, decodes each record into a messages.Message and
// offers it on ch, closing ch with the end sentinel when the stream ends.
func (t *SSETransport) pump(ctx context.Context, ch *Channel, resp *http.Response) {
	defer resp.Body.Close()
	defer ch.offer(endSentinel)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventName string
	var dataLines []string

	flush := func() {
		if eventName == "" && len(dataLines) == 0 {
			return
		}
		name := eventName
		raw := strings.Join(dataLines, "\n")
		eventName, dataLines = "", nil
		if raw == "" {
			return
		}
		msg, err := decodeSSERecord(name, raw)
		if err != nil {
			t.log.Warn("dropping unparseable signalflow SSE record", zap.Error(err))
			t.recordError(signalfxerr.TransportError)
			return
		}
		if msg == nil {
			return
		}
		if !ch.offer(msg) {
			t.log.Warn("dropping signalflow message, channel buffer full")
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment/keep-alive line, ignored
		}
	}
	flush()
}

// decodeSSERecord turns one SSE (event, data) pair into a messages.Message
// by reusing decodeJSONMessage: the event name supplies the "type"
// discriminator that the multiplexed transport's JSON frames carry
// inline, per messages.py's StreamMessage.decode(mtype, payload).
func decodeSSERecord(eventName, data string) (messages.Message, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("decoding signalflow SSE payload: %w", err)
	}
	payload["type"] = eventName
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return decodeJSONMessage(raw)
}

// Execute starts a new computation and streams it back over SSE.
func (t *SSETransport) Execute(ctx context.Context, program string, params ExecuteParams) (*Channel, error) {
	return t.openChannel(ctx, t.path("execute"), paramsToForm(params), program)
}

// Preflight runs a dry-run estimate of program's resource cost.
func (t *SSETransport) Preflight(ctx context.Context, program string, params ExecuteParams) (*Channel, error) {
	return t.openChannel(ctx, t.path("preflight"), paramsToForm(params), program)
}

// Start launches a detached computation without holding a stream open.
func (t *SSETransport) Start(ctx context.Context, program string, params ExecuteParams) error {
	resp, err := t.post(ctx, t.client, t.path("start"), paramsToForm(params), program)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Attach resumes streaming from an already-running computation handle.
func (t *SSETransport) Attach(ctx context.Context, handle string, params ExecuteParams) (*Channel, error) {
	return t.openChannel(ctx, t.path(handle, "attach"), paramsToForm(params), "")
}

// Keepalive pings a detached computation so it is not garbage collected.
func (t *SSETransport) Keepalive(ctx context.Context, handle string) error {
	resp, err := t.post(ctx, t.client, t.path(handle, "keepalive"), nil, "")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Stop terminates a running computation by handle.
func (t *SSETransport) Stop(ctx context.Context, handle string, params ExecuteParams) error {
	resp, err := t.post(ctx, t.client, t.path(handle, "stop"), paramsToForm(params), "")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Detach ends one channel's SSE request without affecting the
// computation itself (the SSE transport has no separate detach frame;
// closing the HTTP request is the only signal available).
func (t *SSETransport) Detach(ch *Channel) {
	ch.Close()
}

// Close cancels every open SSE stream.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	cancels := make([]func(), 0, len(t.streams))
	for _, cancel := range t.streams {
		cancels = append(cancels, cancel)
	}
	t.streams = make(map[*Channel]func())
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

var _ Transport = (*SSETransport)(nil)
