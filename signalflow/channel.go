package signalflow

import (
	"crypto/rand"
	"math/big"

	"github.com/signalfx/signalfx-go-client/signalflow/messages"
)

const (
	channelNameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	channelNameLength   = 8
)

// newChannelName mirrors _Channel's nonce generation in channel.py: eight
// random characters drawn from an alphanumeric alphabet, prefixed
// "channel-".
func newChannelName() string {
	b := make([]byte, channelNameLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(channelNameAlphabet))))
		if err != nil {
			// crypto/rand failure on this platform is not recoverable;
			// fall back to a fixed position rather than panicking.
			b[i] = channelNameAlphabet[0]
			continue
		}
		b[i] = channelNameAlphabet[n.Int64()]
	}
	return "channel-" + string(b)
}

// endSentinel is offered on a Channel's queue to signal that no further
// messages will arrive, mirroring WebSocketComputationChannel.END_SENTINEL.
var endSentinel = &struct{ sentinel bool }{sentinel: true}

// Channel is a transport-agnostic, encoding-agnostic FIFO source of
// messages.Message for one computation, bridging a Transport's
// dispatching to a Computation's consumption.
type Channel struct {
	name    string
	queue   chan interface{}
	detach  func(*Channel)
	closed  bool
}

func newChannel(bufSize int, detach func(*Channel)) *Channel {
	return &Channel{
		name:   newChannelName(),
		queue:  make(chan interface{}, bufSize),
		detach: detach,
	}
}

// Name returns the channel's routing identifier, echoed by the server on
// every frame belonging to this channel.
func (c *Channel) Name() string { return c.name }

// offer enqueues a message or the end sentinel, dropping it (and letting
// the caller log) if the channel's buffer is full rather than blocking
// the transport's single dispatcher goroutine.
func (c *Channel) offer(v interface{}) bool {
	select {
	case c.queue <- v:
		return true
	default:
		return false
	}
}

// Next blocks until a message is available or the channel reaches its end
// sentinel (ok=false). Mirrors _Channel.next()/__next__.
func (c *Channel) Next() (messages.Message, bool) {
	v := <-c.queue
	if v == endSentinel {
		return nil, false
	}
	return v.(messages.Message), true
}

// Messages returns a channel of incoming messages terminated by closing
// the returned channel when the end sentinel is reached, convenient for
// range-based consumption.
func (c *Channel) Messages() <-chan messages.Message {
	out := make(chan messages.Message)
	go func() {
		defer close(out)
		for {
			m, ok := c.Next()
			if !ok {
				return
			}
			out <- m
		}
	}()
	return out
}

// Close detaches the channel from its transport, which in turn delivers
// the end sentinel.
func (c *Channel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.detach != nil {
		c.detach(c)
	}
}
