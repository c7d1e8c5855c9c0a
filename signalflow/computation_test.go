package signalflow

import (
	"sync"
	"testing"
	"time"

	"github.com/signalfx/signalfx-go-client/signalfxerr"
	"github.com/signalfx/signalfx-go-client/signalflow/messages"
)

func recvData(t *testing.T, c *Computation) *messages.DataMessage {
	t.Helper()
	select {
	case d, ok := <-c.Data():
		if !ok {
			t.Fatal("Data() channel closed unexpectedly")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data batch")
		return nil
	}
}

func waitDone(t *testing.T, c *Computation) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for computation to finish")
	}
}

func TestComputationStateAndHandleProgression(t *testing.T) {
	ch := newChannel(16, nil)
	c := newComputation(ch, nil, nil)

	ch.offer(&messages.StreamStartMessage{})
	ch.offer(&messages.JobStartMessage{Handle: "JOB-1"})
	ch.offer(&messages.EndOfChannelMessage{})

	waitDone(t, c)
	if c.Handle() != "JOB-1" {
		t.Errorf("Handle() = %q, want JOB-1", c.Handle())
	}
	if c.State() != StateCompleted {
		t.Errorf("State() = %v, want StateCompleted", c.State())
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestComputationAccumulatesByLogicalTimestampThenSteadyStateEmits(t *testing.T) {
	ch := newChannel(16, nil)
	c := newComputation(ch, nil, nil)

	ch.offer(&messages.DataMessage{LogicalTimestampMs: 1000, Data: []messages.Datapoint{{TSID: "A", Value: int64(1)}}})
	ch.offer(&messages.DataMessage{LogicalTimestampMs: 1000, Data: []messages.Datapoint{{TSID: "B", Value: int64(2)}}})
	ch.offer(&messages.DataMessage{LogicalTimestampMs: 2000, Data: []messages.Datapoint{{TSID: "A", Value: int64(3)}}})
	ch.offer(&messages.DataMessage{LogicalTimestampMs: 2000, Data: []messages.Datapoint{{TSID: "B", Value: int64(4)}}})
	ch.offer(&messages.EndOfChannelMessage{})

	first := recvData(t, c)
	if first.LogicalTimestampMs != 1000 || len(first.Data) != 2 {
		t.Fatalf("first batch = %+v, want tick 1000 with 2 points", first)
	}

	second := recvData(t, c)
	if second.LogicalTimestampMs != 2000 || len(second.Data) != 2 {
		t.Fatalf("second batch = %+v, want tick 2000 with 2 points", second)
	}

	waitDone(t, c)
	if c.State() != StateCompleted {
		t.Errorf("State() = %v, want StateCompleted", c.State())
	}
}

func TestComputationFlushesPartialBatchOnEnd(t *testing.T) {
	ch := newChannel(16, nil)
	c := newComputation(ch, nil, nil)

	ch.offer(&messages.DataMessage{LogicalTimestampMs: 1000, Data: []messages.Datapoint{{TSID: "A", Value: int64(1)}}})
	ch.offer(&messages.EndOfChannelMessage{})

	batch := recvData(t, c)
	if batch.LogicalTimestampMs != 1000 {
		t.Fatalf("batch = %+v", batch)
	}
	waitDone(t, c)
}

func TestComputationChannelAbortProducesAbortedError(t *testing.T) {
	ch := newChannel(16, nil)
	c := newComputation(ch, nil, nil)

	ch.offer(&messages.ChannelAbortMessage{AbortState: "ABORTED", AbortReason: "resource limit"})
	waitDone(t, c)

	if c.State() != StateAborted {
		t.Fatalf("State() = %v, want StateAborted", c.State())
	}
	var abortErr *signalfxerr.ComputationAbortedError
	if err := c.Err(); err == nil {
		t.Fatal("Err() = nil, want ComputationAbortedError")
	} else if ce, ok := err.(*signalfxerr.ComputationAbortedError); !ok {
		t.Fatalf("Err() type = %T, want *ComputationAbortedError", err)
	} else {
		abortErr = ce
	}
	if abortErr.Info.Reason != "resource limit" {
		t.Fatalf("AbortInfo.Reason = %q, want resource limit", abortErr.Info.Reason)
	}
}

func TestComputationErrorMessageProducesFailedError(t *testing.T) {
	ch := newChannel(16, nil)
	c := newComputation(ch, nil, nil)

	ch.offer(&messages.ErrorMessage{Errors: []string{"bad program"}})
	waitDone(t, c)

	if _, ok := c.Err().(*signalfxerr.ComputationFailedError); !ok {
		t.Fatalf("Err() type = %T, want *ComputationFailedError", c.Err())
	}
}

func TestComputationEventsDeliveredIndependently(t *testing.T) {
	ch := newChannel(16, nil)
	c := newComputation(ch, nil, nil)

	ch.offer(&messages.EventMessage{TSID: "A"})
	ch.offer(&messages.EndOfChannelMessage{})

	select {
	case ev, ok := <-c.Events():
		if !ok || ev.TSID != "A" {
			t.Fatalf("Events() = (%+v, %v)", ev, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	waitDone(t, c)
}

func TestComputationResumesOnceOnUnexpectedChannelEnd(t *testing.T) {
	ch1 := newChannel(16, nil)
	ch2 := newChannel(16, nil)

	var mu sync.Mutex
	var calls int
	var sinceSeen *int64
	factory := func(since *int64) (*Channel, error) {
		mu.Lock()
		calls++
		sinceSeen = since
		mu.Unlock()
		return ch2, nil
	}

	c := newComputation(ch1, factory, nil)

	ch1.offer(&messages.DataMessage{LogicalTimestampMs: 500, Data: []messages.Datapoint{{TSID: "A", Value: int64(9)}}})
	ch1.offer(endSentinel)

	// the held tick-500 batch is carried across the resumption and emitted
	// when the resumed channel reaches its terminal message
	ch2.offer(&messages.EndOfChannelMessage{})

	batch := recvData(t, c)
	if batch.LogicalTimestampMs != 500 {
		t.Fatalf("batch carried across resumption = %+v", batch)
	}
	waitDone(t, c)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
	if sinceSeen == nil || *sinceSeen != 500 {
		t.Fatalf("factory since = %v, want 500", sinceSeen)
	}
	if c.State() != StateCompleted {
		t.Fatalf("State() = %v, want StateCompleted", c.State())
	}
}

func TestComputationGivesUpAfterOneFailedResumption(t *testing.T) {
	ch1 := newChannel(16, nil)
	factory := func(since *int64) (*Channel, error) {
		return nil, signalfxerr.New(signalfxerr.TransportError, "dial failed")
	}
	c := newComputation(ch1, factory, nil)

	ch1.offer(endSentinel)
	waitDone(t, c)

	if c.State() != StateAborted {
		t.Fatalf("State() = %v, want StateAborted", c.State())
	}
	if c.Err() == nil {
		t.Fatal("Err() = nil, want error after failed resumption")
	}
}

func TestComputationGivesUpOnSecondUnexpectedEnd(t *testing.T) {
	ch1 := newChannel(16, nil)
	ch2 := newChannel(16, nil)
	factory := func(since *int64) (*Channel, error) { return ch2, nil }
	c := newComputation(ch1, factory, nil)

	ch1.offer(endSentinel)
	// give the resumption a moment to swap in ch2 before ending it too
	time.Sleep(50 * time.Millisecond)
	ch2.offer(endSentinel)

	waitDone(t, c)
	if c.State() != StateAborted {
		t.Fatalf("State() = %v, want StateAborted", c.State())
	}
}

func TestComputationCloseDetachesChannel(t *testing.T) {
	detached := false
	ch := newChannel(16, func(c *Channel) { detached = true; c.offer(endSentinel) })
	c := newComputation(ch, nil, nil)
	c.Close()
	waitDone(t, c)
	if !detached {
		t.Fatal("Close() did not detach the underlying channel")
	}
}
