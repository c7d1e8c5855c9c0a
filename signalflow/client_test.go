package signalflow

import (
	"context"
	"testing"

	"github.com/signalfx/signalfx-go-client/signalflow/messages"
)

type fakeTransport struct {
	executeCalls  int
	executeSince  []*int64
	attachCalls   int
	startCalls    int
	keepaliveCall string
	stopHandle    string
	stopReason    string
	closeCalled   bool

	channelToReturn *Channel
	executeErr      error
}

func (f *fakeTransport) Execute(ctx context.Context, program string, params ExecuteParams) (*Channel, error) {
	f.executeCalls++
	f.executeSince = append(f.executeSince, params.Start)
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return f.channelToReturn, nil
}

func (f *fakeTransport) Preflight(ctx context.Context, program string, params ExecuteParams) (*Channel, error) {
	return f.Execute(ctx, program, params)
}

func (f *fakeTransport) Start(ctx context.Context, program string, params ExecuteParams) error {
	f.startCalls++
	return nil
}

func (f *fakeTransport) Attach(ctx context.Context, handle string, params ExecuteParams) (*Channel, error) {
	f.attachCalls++
	return f.channelToReturn, nil
}

func (f *fakeTransport) Keepalive(ctx context.Context, handle string) error {
	f.keepaliveCall = handle
	return nil
}

func (f *fakeTransport) Stop(ctx context.Context, handle string, params ExecuteParams) error {
	f.stopHandle = handle
	f.stopReason = params.Reason
	return nil
}

func (f *fakeTransport) Detach(ch *Channel) {}

func (f *fakeTransport) Close() error {
	f.closeCalled = true
	return nil
}

var _ Transport = (*fakeTransport)(nil)

func TestClientExecuteTracksComputation(t *testing.T) {
	ch := newChannel(4, nil)
	ft := &fakeTransport{channelToReturn: ch}
	c := New(ft, nil)

	comp, err := c.Execute(context.Background(), "data('cpu').publish()", ExecuteParams{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if ft.executeCalls != 1 {
		t.Fatalf("executeCalls = %d, want 1", ft.executeCalls)
	}

	ch.offer(&messages.EndOfChannelMessage{})
	waitDone(t, comp)
}

func TestClientKeepaliveAndStopDelegateToTransport(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	if err := c.Keepalive(context.Background(), "JOB-1"); err != nil {
		t.Fatalf("Keepalive() error = %v", err)
	}
	if ft.keepaliveCall != "JOB-1" {
		t.Fatalf("keepaliveCall = %q, want JOB-1", ft.keepaliveCall)
	}

	if err := c.Stop(context.Background(), "JOB-1", "no longer needed"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if ft.stopHandle != "JOB-1" || ft.stopReason != "no longer needed" {
		t.Fatalf("stopHandle=%q stopReason=%q", ft.stopHandle, ft.stopReason)
	}
}

func TestClientStartDelegates(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)
	if err := c.Start(context.Background(), "program", ExecuteParams{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ft.startCalls != 1 {
		t.Fatalf("startCalls = %d, want 1", ft.startCalls)
	}
}

func TestClientAttachDelegatesToTransport(t *testing.T) {
	ch1 := newChannel(4, nil)
	ft := &fakeTransport{channelToReturn: ch1}
	c := New(ft, nil)

	_, err := c.Attach(context.Background(), "JOB-1", ExecuteParams{})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if ft.attachCalls != 1 {
		t.Fatalf("attachCalls = %d, want 1", ft.attachCalls)
	}
}

func TestClientCloseClosesComputationsAndTransport(t *testing.T) {
	// like a real transport's Detach, deliver the end sentinel on Close
	ch := newChannel(4, func(c *Channel) { c.offer(endSentinel) })
	ft := &fakeTransport{channelToReturn: ch}
	c := New(ft, nil)

	comp, err := c.Execute(context.Background(), "p", ExecuteParams{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !ft.closeCalled {
		t.Fatal("transport Close() not called")
	}
	waitDone(t, comp)
}

func TestWithStartOverridesParamsOnlyWhenSinceIsSet(t *testing.T) {
	base := ExecuteParams{Reason: "r"}
	got := withStart(base, nil)
	if got.Start != nil {
		t.Fatalf("withStart(nil) Start = %v, want nil", got.Start)
	}

	since := int64(42)
	got = withStart(base, &since)
	if got.Start == nil || *got.Start != 42 {
		t.Fatalf("withStart(&42) Start = %v, want 42", got.Start)
	}
}
