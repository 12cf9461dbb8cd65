package receiver

import (
	"context"
	"testing"
	"time"

	"github.com/meshflow/meshflow/internal/protocol"
)

type fakeSource struct {
	events chan []byte
	errs   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan []byte, 64),
		errs:   make(chan error, 8),
	}
}

func (f *fakeSource) Events() <-chan []byte { return f.events }
func (f *fakeSource) Errors() <-chan error  { return f.errs }

func (f *fakeSource) send(t *testing.T, env protocol.Envelope) {
	t.Helper()
	raw, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.events <- raw
}

func runLoop(t *testing.T, r *Receiver) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.ReceiveLoop(ctx)
		close(done)
	}()
	return cancel, done
}

// TestReceiverStartShutdownPair checks that each dispatched workflow
// produces exactly one WorkflowExecutionStart and one WorkflowShutdown,
// in order, sharing a workflow_execution_uid, and that WorkflowShutdown
// advances the completed counter.
func TestReceiverStartShutdownPair(t *testing.T) {
	src := newFakeSource()
	r := New(src, nil)

	ch, unsub := r.Subscribe("")
	defer unsub()

	cancel, done := runLoop(t, r)
	defer func() { cancel(); <-done }()

	src.send(t, protocol.NewWorkflowEvent("Worker-1", "exec-1", protocol.CallbackWorkflowExecutionStart))
	src.send(t, protocol.NewWorkflowEvent("Worker-1", "exec-1", protocol.CallbackWorkflowShutdown))

	var got []protocol.Envelope
	for i := 0; i < 2; i++ {
		select {
		case env := <-ch:
			got = append(got, env)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].CallbackName != protocol.CallbackWorkflowExecutionStart {
		t.Errorf("first event = %s, want %s", got[0].CallbackName, protocol.CallbackWorkflowExecutionStart)
	}
	if got[1].CallbackName != protocol.CallbackWorkflowShutdown {
		t.Errorf("second event = %s, want %s", got[1].CallbackName, protocol.CallbackWorkflowShutdown)
	}
	if got[0].Sender.WorkflowExecutionUID != got[1].Sender.WorkflowExecutionUID {
		t.Errorf("workflow_execution_uid mismatch: %s vs %s",
			got[0].Sender.WorkflowExecutionUID, got[1].Sender.WorkflowExecutionUID)
	}

	waitForCompleted(t, r, 1)
}

// TestReceiverEnvelopeRoundTrip checks that every variant the receiver
// decodes off the wire is equal to what was encoded onto it.
func TestReceiverEnvelopeRoundTrip(t *testing.T) {
	src := newFakeSource()
	r := New(src, nil)

	ch, unsub := r.Subscribe("")
	defer unsub()

	cancel, done := runLoop(t, r)
	defer func() { cancel(); <-done }()

	sender := protocol.Sender{
		Name: "Worker-1", WorkflowExecutionUID: "exec-1",
		ExecutionUID: "a-uid", AppName: "network", ActionName: "ping", DeviceID: "dev-1",
	}
	want, err := protocol.NewStepEvent(sender, protocol.CallbackStepExecutionSuccess, map[string]any{"result": "ok"})
	if err != nil {
		t.Fatalf("NewStepEvent: %v", err)
	}

	raw, err := protocol.Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	src.events <- raw

	select {
	case got := <-ch:
		if got.Type != want.Type || got.CallbackName != want.CallbackName {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if got.Sender.Name != want.Sender.Name || got.Sender.WorkflowExecutionUID != want.Sender.WorkflowExecutionUID ||
			got.Sender.ExecutionUID != want.Sender.ExecutionUID || got.Sender.AppName != want.Sender.AppName ||
			got.Sender.ActionName != want.Sender.ActionName || got.Sender.DeviceID != want.Sender.DeviceID {
			t.Fatalf("sender mismatch: got %+v, want %+v", got.Sender, want.Sender)
		}
		if string(got.AdditionalData) != string(want.AdditionalData) {
			t.Fatalf("additional_data mismatch: got %s, want %s", got.AdditionalData, want.AdditionalData)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for round-tripped event")
	}
}

// TestReceiverUnknownCallbackDiscarded checks that an unrecognized
// callback name never reaches a subscriber and never touches the
// completed counter; it's logged and discarded instead.
func TestReceiverUnknownCallbackDiscarded(t *testing.T) {
	src := newFakeSource()
	r := New(src, nil)

	ch, unsub := r.Subscribe("")
	defer unsub()

	cancel, done := runLoop(t, r)
	defer func() { cancel(); <-done }()

	src.send(t, protocol.NewWorkflowEvent("Worker-1", "exec-1", "SomethingUnrecognized"))
	src.send(t, protocol.NewWorkflowEvent("Worker-1", "exec-1", protocol.CallbackWorkflowExecutionStart))

	select {
	case env := <-ch:
		if env.CallbackName != protocol.CallbackWorkflowExecutionStart {
			t.Fatalf("expected only the known callback to be dispatched, got %s", env.CallbackName)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for known event")
	}

	select {
	case env := <-ch:
		t.Fatalf("unexpected second event delivered: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestReceiverDefinitionRejectionEmitsNoEvent checks the receiver's
// side of a rejected submission: a definition that never reaches a
// worker (because Build rejected it before dispatch) produces nothing
// on the event stream for the receiver to see, and the completed
// counter stays untouched.
func TestReceiverDefinitionRejectionEmitsNoEvent(t *testing.T) {
	src := newFakeSource()
	r := New(src, nil)

	cancel, done := runLoop(t, r)
	defer func() { cancel(); <-done }()

	select {
	case env := <-src.events:
		t.Fatalf("expected no event on a rejected submission, got %v", env)
	case <-time.After(50 * time.Millisecond):
	}

	if got := r.Completed(); got != 0 {
		t.Fatalf("completed = %d, want 0", got)
	}
}

func TestReceiverFiltersSubscriptionByCallback(t *testing.T) {
	src := newFakeSource()
	r := New(src, nil)

	shutdowns, unsub := r.Subscribe(protocol.CallbackWorkflowShutdown)
	defer unsub()

	cancel, done := runLoop(t, r)
	defer func() { cancel(); <-done }()

	src.send(t, protocol.NewWorkflowEvent("Worker-1", "exec-1", protocol.CallbackWorkflowExecutionStart))
	src.send(t, protocol.NewWorkflowEvent("Worker-1", "exec-1", protocol.CallbackWorkflowShutdown))

	select {
	case env := <-shutdowns:
		if env.CallbackName != protocol.CallbackWorkflowShutdown {
			t.Fatalf("expected only WorkflowShutdown on this subscription, got %s", env.CallbackName)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WorkflowShutdown")
	}

	select {
	case env := <-shutdowns:
		t.Fatalf("unexpected extra event on filtered subscription: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitForCompleted(t *testing.T, r *Receiver, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Completed() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("completed = %d, want %d", r.Completed(), want)
}
