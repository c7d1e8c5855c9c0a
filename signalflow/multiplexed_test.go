package signalflow

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"

	"github.com/signalfx/signalfx-go-client/signalflow/messages"
)

func TestWsURLRewritesScheme(t *testing.T) {
	cases := map[string]string{
		"https://stream.signalfx.com":  "wss://stream.signalfx.com/v2/signalflow/connect",
		"http://localhost:8080":        "ws://localhost:8080/v2/signalflow/connect",
		"https://stream.signalfx.com/": "wss://stream.signalfx.com/v2/signalflow/connect",
	}
	for in, want := range cases {
		if got := wsURL(in); got != want {
			t.Errorf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestApplyParamsSetsOnlyPresentFields(t *testing.T) {
	start := int64(10)
	req := map[string]interface{}{}
	applyParams(req, ExecuteParams{Start: &start, Persistent: true, Filters: map[string]string{"a": "b"}})
	if req["start"] != start {
		t.Errorf("req[start] = %v, want %d", req["start"], start)
	}
	if req["persistent"] != true {
		t.Errorf("req[persistent] = %v, want true", req["persistent"])
	}
	if _, ok := req["stop"]; ok {
		t.Error("req[stop] set, want absent when Stop is nil")
	}
	if req["filters"] == nil {
		t.Error("req[filters] absent, want map")
	}
}

func TestBase64URLNoPad(t *testing.T) {
	got := base64URLNoPad([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	if got == "" || bytes.ContainsRune([]byte(got), '=') {
		t.Fatalf("base64URLNoPad() = %q, want unpadded", got)
	}
}

func TestNumericFromAny(t *testing.T) {
	if v, ok := numericFromAny(float64(42)); !ok || v != 42 {
		t.Errorf("numericFromAny(float64) = (%d, %v)", v, ok)
	}
	if v, ok := numericFromAny(int64(7)); !ok || v != 7 {
		t.Errorf("numericFromAny(int64) = (%d, %v)", v, ok)
	}
	if _, ok := numericFromAny("nope"); ok {
		t.Error("numericFromAny(string) ok = true, want false")
	}
}

func encodeDataBatchFrame(version, msgType byte, channel string, logicalTS int64, maxDelay *int64, rows [][2]interface{}) []byte {
	var buf bytes.Buffer
	buf.WriteByte(version)
	buf.WriteByte(msgType)
	buf.WriteByte(0) // flags: uncompressed, non-JSON
	buf.WriteByte(0) // reserved
	chBytes := make([]byte, 16)
	copy(chBytes, channel)
	buf.Write(chBytes)

	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, logicalTS)
	if version >= 2 {
		md := int64(0)
		if maxDelay != nil {
			md = *maxDelay
		}
		binary.Write(&body, binary.BigEndian, md)
	}
	binary.Write(&body, binary.BigEndian, uint32(len(rows)))
	for _, r := range rows {
		tsid := r[0].([8]byte)
		switch v := r[1].(type) {
		case nil:
			body.WriteByte(0)
			body.Write(tsid[:])
			body.Write(make([]byte, 8))
		case int64:
			body.WriteByte(1)
			body.Write(tsid[:])
			var vbuf [8]byte
			binary.BigEndian.PutUint64(vbuf[:], uint64(v))
			body.Write(vbuf[:])
		case float64:
			body.WriteByte(2)
			body.Write(tsid[:])
			var vbuf [8]byte
			binary.BigEndian.PutUint64(vbuf[:], math.Float64bits(v))
			body.Write(vbuf[:])
		}
	}
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func TestDecodeBinaryFrameV1DataBatch(t *testing.T) {
	frame := encodeDataBatchFrame(1, 5, "ch-1", 1000, nil, [][2]interface{}{
		{[8]byte{0, 0, 0, 0, 0, 0, 0, 1}, int64(42)},
	})
	out, err := decodeBinaryFrame(frame)
	if err != nil {
		t.Fatalf("decodeBinaryFrame() error = %v", err)
	}
	if out["type"] != "data" || out["channel"] != "ch-1" || out["logicalTimestampMs"] != int64(1000) {
		t.Fatalf("decodeBinaryFrame() = %+v", out)
	}
	points := out["data"].([]map[string]interface{})
	if len(points) != 1 || points[0]["value"] != int64(42) {
		t.Fatalf("decoded points = %+v", points)
	}
}

func TestDecodeBinaryFrameV2CarriesMaxDelay(t *testing.T) {
	md := int64(250)
	frame := encodeDataBatchFrame(2, 5, "ch-1", 2000, &md, nil)
	out, err := decodeBinaryFrame(frame)
	if err != nil {
		t.Fatalf("decodeBinaryFrame() error = %v", err)
	}
	if out["maxDelayMs"] != md {
		t.Fatalf("maxDelayMs = %v, want %d", out["maxDelayMs"], md)
	}
}

func TestDecodeBinaryFrameTooShort(t *testing.T) {
	if _, err := decodeBinaryFrame([]byte{1, 2, 3}); err == nil {
		t.Fatal("decodeBinaryFrame(short) = nil error, want error")
	}
}

func TestDecodeBinaryFrameJSONEscapeHatch(t *testing.T) {
	header := make([]byte, 20)
	header[0] = 3
	header[2] = 1 << 1 // isJSON flag
	payload, _ := json.Marshal(map[string]interface{}{"type": "metadata", "tsId": "AAA"})
	frame := append(header, payload...)

	out, err := decodeBinaryFrame(frame)
	if err != nil {
		t.Fatalf("decodeBinaryFrame() error = %v", err)
	}
	if out["type"] != "metadata" || out["tsId"] != "AAA" {
		t.Fatalf("decodeBinaryFrame(json escape hatch) = %+v", out)
	}
}

func TestDecodeBinaryFrameUnsupportedVersion(t *testing.T) {
	frame := encodeDataBatchFrame(9, 5, "ch-1", 1000, nil, nil)
	if _, err := decodeBinaryFrame(frame); err == nil {
		t.Fatal("decodeBinaryFrame(unsupported version) = nil error, want error")
	}
}

func TestReencodePrefersRawBytes(t *testing.T) {
	raw := []byte(`{"type":"data"}`)
	out, err := reencode(map[string]interface{}{"type": "ignored"}, raw)
	if err != nil || !bytes.Equal(out, raw) {
		t.Fatalf("reencode() = (%s, %v), want raw bytes returned verbatim", out, err)
	}

	out, err = reencode(map[string]interface{}{"type": "data"}, nil)
	if err != nil {
		t.Fatalf("reencode(nil raw) error = %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil || decoded["type"] != "data" {
		t.Fatalf("reencode(nil raw) = %s", out)
	}
}

// newWebSocketBackend starts a minimal authenticate-then-echo-execute
// WebSocket server, grounded on the retrieved fake SignalFlow backend
// pattern, to exercise MultiplexedTransport end to end.
func newWebSocketBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := gwebsocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in map[string]interface{}
			if err := json.Unmarshal(data, &in); err != nil {
				continue
			}
			switch in["type"] {
			case "authenticate":
				conn.WriteJSON(map[string]interface{}{"type": "authenticated", "userId": "u1", "orgId": "o1"})
			case "execute":
				channel := in["channel"].(string)
				conn.WriteJSON(map[string]interface{}{"type": "control-message", "event": "STREAM_START", "channel": channel})
				conn.WriteJSON(map[string]interface{}{"type": "control-message", "event": "END_OF_CHANNEL", "channel": channel})
			}
		}
	}))
}

func TestMultiplexedTransportExecuteEndToEnd(t *testing.T) {
	srv := newWebSocketBackend(t)
	defer srv.Close()
	endpoint := "http://" + srv.Listener.Addr().String()

	transport := NewMultiplexedTransport(endpoint, "tok", "ua", 2*time.Second, false, nil, nil)
	defer transport.Close()

	ch, err := transport.Execute(context.Background(), "data('cpu').publish()", ExecuteParams{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	msg, ok := ch.Next()
	if !ok {
		t.Fatal("Next() ok=false, want STREAM_START")
	}
	if _, isStart := msg.(*messages.StreamStartMessage); !isStart {
		t.Fatalf("first message type = %T, want *StreamStartMessage", msg)
	}

	msg, ok = ch.Next()
	if !ok {
		t.Fatal("Next() ok=false, want EndOfChannelMessage")
	}
	if _, isEnd := msg.(*messages.EndOfChannelMessage); !isEnd {
		t.Fatalf("second message type = %T, want *EndOfChannelMessage", msg)
	}
}

func TestMultiplexedTransportClosePreventsResurrection(t *testing.T) {
	srv := newWebSocketBackend(t)
	defer srv.Close()
	endpoint := "http://" + srv.Listener.Addr().String()

	transport := NewMultiplexedTransport(endpoint, "tok", "ua", 2*time.Second, false, nil, nil)
	if _, err := transport.Execute(context.Background(), "p", ExecuteParams{}); err != nil {
		t.Fatalf("Execute() before Close() error = %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err := transport.Execute(context.Background(), "p", ExecuteParams{})
	if err == nil {
		t.Fatal("Execute() after Close() = nil error, want AlreadyStopped")
	}
}
