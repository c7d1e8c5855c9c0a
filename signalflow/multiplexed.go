package signalflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/signalfx/signalfx-go-client/internal/instrumentation"
	"github.com/signalfx/signalfx-go-client/signalfxerr"
	wirebinary "github.com/signalfx/signalfx-go-client/wire/binary"
)

const websocketConnectSuffix = "v2/signalflow/connect"

// channelBufSize bounds the per-channel message queue; once a slow
// consumer's queue is full, further messages for that channel are dropped
// and logged rather than blocking the shared dispatcher.
const channelBufSize = 256

// MultiplexedTransport is the primary SignalFlow transport: one
// authenticated duplex WebSocket connection multiplexing an arbitrary
// number of computation channels, grounded on
// original_source/signalfx/signalflow/ws.py's WebSocketTransport and
// adapted from the teacher's pkg/websocket/client.go read/write pump
// split and pkg/websocket/hub.go registration bookkeeping.
type MultiplexedTransport struct {
	endpoint  string
	token     string
	userAgent string
	timeout   time.Duration
	compress  bool

	log     *zap.Logger
	errors  *instrumentation.ErrorCounters
	dialer  *websocket.Dialer

	mu         sync.Mutex
	cond       *sync.Cond
	conn       *websocket.Conn
	connected  bool
	connecting bool
	closed     bool
	connErr    error
	channels   map[string]*Channel

	writeMu sync.Mutex

	serverTimeMu sync.Mutex
	serverTimeMs int64
}

// NewMultiplexedTransport builds a transport dialing endpoint (an
// http(s):// stream endpoint, rewritten to ws(s):// internally) on first
// send.
func NewMultiplexedTransport(endpoint, token, userAgent string, timeout time.Duration, compress bool, log *zap.Logger, errs *instrumentation.ErrorCounters) *MultiplexedTransport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &MultiplexedTransport{
		endpoint:  endpoint,
		token:     token,
		userAgent: userAgent,
		timeout:   timeout,
		compress:  compress,
		log:       log,
		errors:    errs,
		dialer:    &websocket.Dialer{HandshakeTimeout: timeout},
		channels:  make(map[string]*Channel),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func wsURL(endpoint string) string {
	u := endpoint
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/" + websocketConnectSuffix
}

// Execute opens a channel and sends an execute control frame.
func (t *MultiplexedTransport) Execute(ctx context.Context, program string, params ExecuteParams) (*Channel, error) {
	return t.openChannel(ctx, "execute", program, "", params)
}

// Preflight opens a channel and sends a preflight control frame.
func (t *MultiplexedTransport) Preflight(ctx context.Context, program string, params ExecuteParams) (*Channel, error) {
	return t.openChannel(ctx, "preflight", program, "", params)
}

// Attach opens a channel bound to an existing server-side handle.
func (t *MultiplexedTransport) Attach(ctx context.Context, handle string, params ExecuteParams) (*Channel, error) {
	return t.openChannel(ctx, "attach", "", handle, params)
}

func (t *MultiplexedTransport) openChannel(ctx context.Context, typ, program, handle string, params ExecuteParams) (*Channel, error) {
	ch := newChannel(channelBufSize, t.Detach)

	req := map[string]interface{}{
		"type":     typ,
		"channel":  ch.name,
		"compress": t.compress,
	}
	if program != "" {
		req["program"] = program
	}
	if handle != "" {
		req["handle"] = handle
	}
	applyParams(req, params)

	t.mu.Lock()
	t.channels[ch.name] = ch
	t.mu.Unlock()

	if err := t.send(ctx, req); err != nil {
		t.mu.Lock()
		delete(t.channels, ch.name)
		t.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// Start fire-and-forgets a background computation; no channel is opened.
func (t *MultiplexedTransport) Start(ctx context.Context, program string, params ExecuteParams) error {
	req := map[string]interface{}{"type": "start", "program": program}
	applyParams(req, params)
	return t.send(ctx, req)
}

// Keepalive renews the lease on a background computation.
func (t *MultiplexedTransport) Keepalive(ctx context.Context, handle string) error {
	return t.send(ctx, map[string]interface{}{"type": "keepalive", "handle": handle})
}

// Stop terminates a computation by handle.
func (t *MultiplexedTransport) Stop(ctx context.Context, handle string, params ExecuteParams) error {
	req := map[string]interface{}{"type": "stop", "handle": handle}
	applyParams(req, params)
	return t.send(ctx, req)
}

// Detach removes a channel from the routing table, tells the server, and
// delivers the end sentinel to the channel itself.
func (t *MultiplexedTransport) Detach(ch *Channel) {
	t.mu.Lock()
	_, ok := t.channels[ch.name]
	if ok {
		delete(t.channels, ch.name)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	_ = t.send(context.Background(), map[string]interface{}{"type": "detach", "channel": ch.name})
	ch.offer(endSentinel)
}

// Close shuts down the connection and drains every live channel with an
// end sentinel.
func (t *MultiplexedTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	for _, ch := range t.channels {
		ch.offer(endSentinel)
	}
	t.channels = make(map[string]*Channel)
	t.connected = false
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func applyParams(req map[string]interface{}, p ExecuteParams) {
	if p.Start != nil {
		req["start"] = *p.Start
	}
	if p.Stop != nil {
		req["stop"] = *p.Stop
	}
	if p.Resolution != nil {
		req["resolution"] = *p.Resolution
	}
	if p.MaxDelay != nil {
		req["maxDelay"] = *p.MaxDelay
	}
	if p.Persistent {
		req["persistent"] = p.Persistent
	}
	if p.Immediate {
		req["immediate"] = p.Immediate
	}
	if p.DisableAllMetricPublishes != nil {
		req["disableAllMetricPublishes"] = *p.DisableAllMetricPublishes
	}
	if p.Reason != "" {
		req["reason"] = p.Reason
	}
	if p.Filters != nil {
		req["filters"] = p.Filters
	}
}

// send ensures a connected, authenticated socket (blocking on the
// readiness condition variable the way _send does in ws.py) and writes
// the request as a single JSON text frame.
func (t *MultiplexedTransport) send(ctx context.Context, request map[string]interface{}) error {
	if err := t.ensureConnected(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return signalfxerr.Wrap(signalfxerr.InvalidInput, "encoding signalflow request", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return signalfxerr.New(signalfxerr.TransportError, "signalflow connection not established")
	}
	conn.SetWriteDeadline(time.Now().Add(t.timeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.recordError("write")
		return signalfxerr.Wrap(signalfxerr.TransportError, "writing signalflow request", err)
	}
	return nil
}

// ensureConnected lazily dials the socket and blocks on the connection
// condition variable until the authenticate handshake completes or an
// error is recorded, mirroring ws.py's _send connection gating.
func (t *MultiplexedTransport) ensureConnected(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return signalfxerr.New(signalfxerr.AlreadyStopped, "signalflow transport has been closed")
	}
	if !t.connected && !t.connecting {
		t.connErr = nil
		t.connecting = true
		t.mu.Unlock()
		err := t.dial(ctx)
		t.mu.Lock()
		t.connecting = false
		if err != nil {
			t.connErr = err
			t.cond.Broadcast()
		}
	}
	for !t.connected && t.connErr == nil && !t.closed {
		t.cond.Wait()
	}
	if t.closed && t.connErr == nil {
		t.connErr = signalfxerr.New(signalfxerr.AlreadyStopped, "signalflow transport has been closed")
	}
	err := t.connErr
	t.mu.Unlock()
	return err
}

func (t *MultiplexedTransport) dial(ctx context.Context) error {
	headers := http.Header{}
	url := wsURL(t.endpoint)
	conn, _, err := t.dialer.DialContext(ctx, url, headers)
	if err != nil {
		t.recordError("connect")
		return signalfxerr.Wrap(signalfxerr.TransportError, "dialing signalflow websocket", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connErr = nil
	t.mu.Unlock()

	closeCode := new(int)
	*closeCode = websocket.CloseNormalClosure
	conn.SetCloseHandler(func(code int, text string) error {
		*closeCode = code
		return conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	})
	go t.readLoop(conn, closeCode)

	authReq := map[string]interface{}{
		"type":      "authenticate",
		"token":     t.token,
		"userAgent": t.userAgent,
	}
	payload, _ := json.Marshal(authReq)
	conn.SetWriteDeadline(time.Now().Add(t.timeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return signalfxerr.Wrap(signalfxerr.TransportError, "sending signalflow authenticate frame", err)
	}
	t.log.Info("signalflow websocket connected, awaiting authentication")
	return nil
}

// readLoop is the single dedicated reader goroutine for the duplex
// socket, per spec.md §5's concurrency model.
func (t *MultiplexedTransport) readLoop(conn *websocket.Conn, closeCode *int) {
	defer func() { t.onClosed(conn, *closeCode) }()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var decoded interface{}
		var raw []byte
		switch msgType {
		case websocket.BinaryMessage:
			env, err := decodeBinaryFrame(data)
			if err != nil {
				t.log.Warn("dropping undecodable signalflow binary frame", zap.Error(err))
				t.recordError("decode_binary")
				continue
			}
			if env == nil {
				continue // KEEP_ALIVE or unsupported, already handled/logged
			}
			decoded = env
		case websocket.TextMessage:
			raw = data
		default:
			continue
		}

		if raw != nil {
			var generic map[string]interface{}
			if err := json.Unmarshal(raw, &generic); err != nil {
				t.log.Warn("dropping unparseable signalflow text frame", zap.Error(err))
				t.recordError("decode_json")
				continue
			}
			decoded = generic
		}

		t.processMessage(decoded.(map[string]interface{}), raw)
	}
}

// decodeBinaryFrame implements spec.md §4.2's version-tolerant binary
// frame decoding: a 20-byte header, optional gzip, optional JSON-payload
// escape hatch, otherwise a data-batch body for message_type 5.
func decodeBinaryFrame(data []byte) (map[string]interface{}, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}
	version := data[0]
	msgType := data[1]
	flags := data[2]
	channelRaw := data[4:20]
	body := data[20:]

	channel := strings.TrimRight(string(channelRaw), "\x00")

	compressed := flags&(1<<0) != 0
	isJSON := flags&(1<<1) != 0

	if compressed {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("opening gzip reader: %w", err)
		}
		defer gz.Close()
		decompressed, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("decompressing frame body: %w", err)
		}
		body = decompressed
	}

	if isJSON {
		var out map[string]interface{}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decoding json-payload frame: %w", err)
		}
		return out, nil
	}

	if msgType != 5 {
		return nil, fmt.Errorf("unsupported binary message type %d", msgType)
	}

	var logicalTS int64
	var maxDelay *int64
	switch version {
	case 1:
		logicalTS = int64(binary.BigEndian.Uint64(body[0:8]))
		body = body[8:]
	case 2, 3:
		logicalTS = int64(binary.BigEndian.Uint64(body[0:8]))
		md := int64(binary.BigEndian.Uint64(body[8:16]))
		maxDelay = &md
		body = body[16:]
	default:
		return nil, fmt.Errorf("unsupported binary message version %d", version)
	}

	points, err := decodeDatapointRows(body)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"type":               "data",
		"channel":            channel,
		"logicalTimestampMs": logicalTS,
		"data":               points,
	}
	if maxDelay != nil {
		out["maxDelayMs"] = *maxDelay
	}
	return out, nil
}

// decodeDatapointRows decodes the repeated 17-byte datapoint rows
// following a data-batch body's header fields, ignoring the leading
// uint32 count the way _decode_datapoints does.
func decodeDatapointRows(body []byte) ([]map[string]interface{}, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("data batch body too short for count field")
	}
	rows := body[4:]
	const rowSize = 17
	out := make([]map[string]interface{}, 0, len(rows)/rowSize)
	for i := 0; i+rowSize <= len(rows); i += rowSize {
		row := rows[i : i+rowSize]
		vtype := row[0]
		var tsidBytes [8]byte
		copy(tsidBytes[:], row[1:9])
		tsid := base64URLNoPad(tsidBytes[:])

		var raw [8]byte
		copy(raw[:], row[9:17])
		decoded, absent, err := wirebinary.DecodeStreamValue(vtype, raw)
		if err != nil {
			return nil, err
		}
		var value interface{}
		if !absent {
			if decoded.IsInt() {
				value = decoded.Int()
			} else {
				value = decoded.Float()
			}
		}
		out = append(out, map[string]interface{}{"tsId": tsid, "value": value})
	}
	return out, nil
}

// base64URLNoPad renders an 8-byte tsid as unpadded URL-safe base64, per
// spec.md §4.2.
func base64URLNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func (t *MultiplexedTransport) processMessage(msg map[string]interface{}, rawForReencode []byte) {
	if event, _ := msg["event"].(string); event == "KEEP_ALIVE" {
		if ts, ok := numericFromAny(msg["timestampMs"]); ok {
			t.serverTimeMu.Lock()
			t.serverTimeMs = ts
			t.serverTimeMu.Unlock()
		}
		return
	}

	if typ, _ := msg["type"].(string); typ == "authenticated" {
		t.mu.Lock()
		t.connected = true
		t.cond.Broadcast()
		t.mu.Unlock()
		t.log.Info("signalflow authenticated", zap.Any("userId", msg["userId"]), zap.Any("orgId", msg["orgId"]))
		return
	}

	channelName, _ := msg["channel"].(string)
	if channelName == "" {
		return
	}
	t.mu.Lock()
	ch, ok := t.channels[channelName]
	t.mu.Unlock()
	if !ok {
		t.log.Warn("dropping signalflow frame for unknown channel", zap.String("channel", channelName))
		return
	}

	reencoded, err := reencode(msg, rawForReencode)
	if err != nil {
		t.log.Warn("dropping signalflow frame: re-encoding failed", zap.Error(err))
		return
	}
	decodedMsg, err := decodeJSONMessage(reencoded)
	if err != nil {
		t.log.Warn("dropping unrecognized signalflow frame", zap.Error(err))
		return
	}

	if !ch.offer(decodedMsg) {
		t.log.Warn("dropping signalflow message: channel buffer full", zap.String("channel", channelName))
	}

	typ, _ := msg["type"].(string)
	event, _ := msg["event"].(string)
	if typ == "control-message" && (event == "END_OF_CHANNEL" || event == "ABORT_CHANNEL") {
		ch.offer(endSentinel)
		t.mu.Lock()
		delete(t.channels, channelName)
		t.mu.Unlock()
	}
}

// reencode re-serializes a decoded frame map back to JSON so it can flow
// through the single decodeJSONMessage path regardless of whether it
// arrived as text (already JSON bytes) or as a decoded binary frame (a
// Go map); avoiding a second bespoke decoder keeps text and binary frames
// consistent with exactly the same field-mapping logic.
func reencode(msg map[string]interface{}, raw []byte) ([]byte, error) {
	if raw != nil {
		return raw, nil
	}
	return json.Marshal(msg)
}

func (t *MultiplexedTransport) onClosed(conn *websocket.Conn, code int) {
	t.mu.Lock()
	if code != websocket.CloseNormalClosure {
		t.connErr = signalfxerr.New(signalfxerr.AuthenticationFailed, fmt.Sprintf("signalflow websocket closed with code %d", code))
	}
	// Any channel still registered when the socket drops never gets an
	// END_OF_CHANNEL control message, so its consumer would otherwise
	// block on Next() forever; the end sentinel unblocks it regardless of
	// whether the close was clean.
	for _, ch := range t.channels {
		ch.offer(endSentinel)
	}
	t.channels = make(map[string]*Channel)
	t.connected = false
	if t.conn == conn {
		t.conn = nil
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *MultiplexedTransport) recordError(kind string) {
	if t.errors != nil {
		t.errors.Inc(kind)
	}
}

func numericFromAny(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
