package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/meshflow/meshflow/internal/protocol"
	"github.com/meshflow/meshflow/pkg/workflow"
)

type fakeInstance struct{ shutdowns *int }

func (f fakeInstance) Shutdown(ctx context.Context) error {
	*f.shutdowns++
	return nil
}

type stepAction func(inputs map[string]any) (any, error)

type fakeRunner struct {
	actions   map[string]stepAction
	shutdowns int
}

func (f *fakeRunner) Instance(ctx context.Context, app, device string) (workflow.AppInstance, bool, error) {
	return fakeInstance{shutdowns: &f.shutdowns}, true, nil
}

func (f *fakeRunner) Execute(ctx context.Context, instance workflow.AppInstance, app, action string, inputs map[string]any) (any, error) {
	if fn, ok := f.actions[app+"."+action]; ok {
		return fn(inputs)
	}
	return "ok", nil
}

type fakeSink struct {
	envelopes []protocol.Envelope
}

func (f *fakeSink) Push(payload []byte) error {
	env, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	f.envelopes = append(f.envelopes, env)
	return nil
}

func (f *fakeSink) callbacks() []string {
	names := make([]string, len(f.envelopes))
	for i, e := range f.envelopes {
		names[i] = e.CallbackName
	}
	return names
}

func (f *fakeSink) filter(names ...string) []string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []string
	for _, e := range f.envelopes {
		if want[e.CallbackName] {
			out = append(out, e.CallbackName)
		}
	}
	return out
}

func newTestWorker(runner *fakeRunner, sink *fakeSink) *Worker {
	return New("Worker-1", nil, sink, nil, runner, nil)
}

func step(name, app, action string, risk float64, next ...workflow.NextStep) *workflow.Step {
	return &workflow.Step{
		Name:         name,
		UID:          name + "-uid",
		App:          app,
		Device:       "dev-1",
		Action:       action,
		Risk:         risk,
		NextSteps:    next,
		IncomingData: make(chan *workflow.TriggerPayload, 1),
	}
}

func TestExecutorLinearTwoSteps(t *testing.T) {
	a := step("a", "network", "ping", 0, workflow.NextStep{Name: "b"})
	b := step("b", "network", "ping", 0)
	wf := &workflow.Workflow{
		ExecutionUID: "exec-1",
		Start:        "a",
		Steps:        map[string]*workflow.Step{"a": a, "b": b},
		Accumulator:  make(workflow.Accumulator),
	}

	runner := &fakeRunner{actions: map[string]stepAction{}}
	sink := &fakeSink{}
	w := newTestWorker(runner, sink)

	w.executeOne(context.Background(), wf, false)

	got := sink.filter(
		protocol.CallbackNextStepFound, protocol.CallbackAppInstanceCreated,
		protocol.CallbackStepExecutionSuccess, protocol.CallbackWorkflowShutdown,
	)
	want := []string{
		protocol.CallbackNextStepFound, protocol.CallbackAppInstanceCreated,
		protocol.CallbackStepExecutionSuccess,
		protocol.CallbackNextStepFound,
		protocol.CallbackStepExecutionSuccess,
		protocol.CallbackWorkflowShutdown,
	}
	if len(got) != len(want) {
		t.Fatalf("callback sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("callback[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	if _, ok := wf.Accumulator.Get("a"); !ok {
		t.Error("expected accumulator entry for step a")
	}
	if _, ok := wf.Accumulator.Get("b"); !ok {
		t.Error("expected accumulator entry for step b")
	}
	if runner.shutdowns != 1 {
		t.Errorf("expected exactly one AppInstance shutdown (b reuses a's instance), got %d", runner.shutdowns)
	}

	if got := sink.filter(protocol.CallbackWorkflowInputValidated, protocol.CallbackWorkflowInputInvalid); len(got) != 0 {
		t.Errorf("expected no WorkflowInput* events without start_arguments, got %v", got)
	}
}

func TestExecutorEmitsWorkflowInputValidatedOnlyForStartStepWithStartArguments(t *testing.T) {
	a := step("a", "network", "ping", 0, workflow.NextStep{Name: "b"})
	b := step("b", "network", "ping", 0)
	wf := &workflow.Workflow{
		ExecutionUID: "exec-1b",
		Start:        "a",
		Steps:        map[string]*workflow.Step{"a": a, "b": b},
		Accumulator:  make(workflow.Accumulator),
	}

	runner := &fakeRunner{actions: map[string]stepAction{}}
	sink := &fakeSink{}
	w := newTestWorker(runner, sink)

	w.executeOne(context.Background(), wf, true)

	got := sink.filter(protocol.CallbackWorkflowInputValidated)
	if len(got) != 1 {
		t.Fatalf("expected exactly one WorkflowInputValidated (start step only), got %d: %v", len(got), got)
	}
}

func TestExecutorPauseMidRun(t *testing.T) {
	orig := pauseCheckInterval
	pauseCheckInterval = 10 * time.Millisecond
	defer func() { pauseCheckInterval = orig }()

	a := step("a", "network", "ping_a", 0, workflow.NextStep{Name: "b"})
	b := step("b", "network", "ping_b", 0, workflow.NextStep{Name: "c"})
	c := step("c", "network", "ping_c", 0)
	wf := &workflow.Workflow{
		ExecutionUID: "exec-2",
		Start:        "a",
		Steps:        map[string]*workflow.Step{"a": a, "b": b, "c": c},
		Accumulator:  make(workflow.Accumulator),
	}

	ctl := newControlTask(wf)
	w := New("Worker-1", nil, nil, nil, nil, slog.Default())
	w.control.Store(ctl)

	var resumedGoroutineDone = make(chan struct{})
	runner := &fakeRunner{actions: map[string]stepAction{
		"network.ping_a": func(inputs map[string]any) (any, error) {
			// Pause takes effect between steps, so setting it here,
			// synchronously before a's result is recorded, guarantees
			// the executor observes it before stepping to b.
			w.HandleControl(ControlMessage{Type: "Pause"})
			go func() {
				time.Sleep(30 * time.Millisecond)
				w.HandleControl(ControlMessage{Type: "Resume"})
				close(resumedGoroutineDone)
			}()
			return "ok", nil
		},
		"network.ping_b": func(inputs map[string]any) (any, error) { return "ok", nil },
		"network.ping_c": func(inputs map[string]any) (any, error) { return "ok", nil },
	}}
	sink := &fakeSink{}
	w.results = sink
	w.runner = runner

	exec := &executor{worker: w, wf: wf, ctl: ctl, eval: workflow.NewEvaluator()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	exec.run(ctx)

	names := sink.filter(protocol.CallbackWorkflowPaused, protocol.CallbackWorkflowResumed)
	if len(names) != 2 || names[0] != protocol.CallbackWorkflowPaused || names[1] != protocol.CallbackWorkflowResumed {
		t.Fatalf("expected exactly one Paused/Resumed pair, got %v", names)
	}

	for _, name := range []string{"a", "b", "c"} {
		if _, ok := wf.Accumulator.Get(name); !ok {
			t.Errorf("expected accumulator entry for step %s", name)
		}
	}
}

func TestExecutorStepErrorContinuation(t *testing.T) {
	a := step("a", "network", "ping", 1.0, workflow.NextStep{Name: "b"})
	b := step("b", "network", "fail", 1.0, workflow.NextStep{Name: "c"})
	c := step("c", "network", "ping", 1.0)
	wf := &workflow.Workflow{
		ExecutionUID: "exec-3",
		Start:        "a",
		Steps:        map[string]*workflow.Step{"a": a, "b": b, "c": c},
		Accumulator:  make(workflow.Accumulator),
	}

	runner := &fakeRunner{actions: map[string]stepAction{
		"network.fail": func(inputs map[string]any) (any, error) { return nil, errTest },
	}}
	sink := &fakeSink{}
	w := newTestWorker(runner, sink)
	w.executeOne(context.Background(), wf, false)

	got := sink.filter(protocol.CallbackStepExecutionError, protocol.CallbackStepExecutionSuccess)
	if len(got) < 2 {
		t.Fatalf("expected at least an error and a success, got %v", got)
	}

	seenUIDs := make(map[string]bool)
	for _, e := range sink.envelopes {
		if e.CallbackName != protocol.CallbackStepExecutionError && e.CallbackName != protocol.CallbackStepExecutionSuccess {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(e.AdditionalData, &payload); err != nil {
			t.Fatalf("decode step event payload: %v", err)
		}
		uid, _ := payload["execution_uid"].(string)
		if uid == "" || uid == wf.ExecutionUID {
			t.Fatalf("expected a fresh per-step execution_uid distinct from the workflow's, got %q", uid)
		}
		if seenUIDs[uid] {
			t.Fatalf("execution_uid %q reused across step events, want unique per step execution", uid)
		}
		seenUIDs[uid] = true
	}

	const want = 1.0 / 3.0
	if diff := wf.AccumulatedRisk - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("AccumulatedRisk = %v, want %v", wf.AccumulatedRisk, want)
	}

	bOut, _ := wf.Accumulator.Get("b")
	if bOut.Status != "error" {
		t.Errorf("expected step b recorded as error, got %+v", bOut)
	}
	cOut, ok := wf.Accumulator.Get("c")
	if !ok || cOut.Status != "success" {
		t.Errorf("expected step c to still run and succeed, got %+v ok=%v", cOut, ok)
	}
}

func TestExecutorUnknownNextStep(t *testing.T) {
	a := step("a", "network", "ping", 0, workflow.NextStep{Name: "ghost"})
	wf := &workflow.Workflow{
		ExecutionUID: "exec-4",
		Start:        "a",
		Steps:        map[string]*workflow.Step{"a": a},
		Accumulator:  make(workflow.Accumulator),
	}

	runner := &fakeRunner{actions: map[string]stepAction{}}
	sink := &fakeSink{}
	w := newTestWorker(runner, sink)
	w.executeOne(context.Background(), wf, false)

	for _, e := range sink.envelopes {
		if e.CallbackName == protocol.CallbackStepExecutionError {
			t.Fatalf("expected no error event, got one: %+v", e)
		}
	}
	shutdowns := sink.filter(protocol.CallbackWorkflowShutdown)
	if len(shutdowns) != 1 {
		t.Fatalf("expected exactly one WorkflowShutdown, got %d", len(shutdowns))
	}
}

func TestExecutorTriggerInjection(t *testing.T) {
	a := &workflow.Step{
		Name:          "a",
		UID:           "a-uid",
		App:           "network",
		Device:        "dev-1",
		Action:        "echo",
		AwaitsTrigger: true,
		Inputs: map[string]workflow.Argument{
			"x": {Name: "x", Value: ptr[any]("unset")},
		},
		IncomingData: make(chan *workflow.TriggerPayload, 1),
	}
	wf := &workflow.Workflow{
		ExecutionUID: "exec-5",
		Start:        "a",
		Steps:        map[string]*workflow.Step{"a": a},
		Accumulator:  make(workflow.Accumulator),
	}

	var gotInputs map[string]any
	runner := &fakeRunner{actions: map[string]stepAction{
		"network.echo": func(inputs map[string]any) (any, error) {
			gotInputs = inputs
			return inputs["x"], nil
		},
	}}
	sink := &fakeSink{}
	w := newTestWorker(runner, sink)

	ctl := newControlTask(wf)
	w.control.Store(ctl)

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.HandleControl(ControlMessage{
			Type:         "TriggerData",
			ExecutionUID: wf.ExecutionUID,
			DataIn:       map[string]any{"ping": true},
			Arguments:    []workflow.Argument{{Name: "x", Value: ptr[any]("42")}},
		})
	}()

	exec := &executor{worker: w, wf: wf, ctl: ctl, eval: workflow.NewEvaluator()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	exec.run(ctx)

	if gotInputs == nil || gotInputs["x"] != "42" {
		t.Fatalf("expected x to be overlaid to 42, got %v", gotInputs)
	}

	names := sink.filter(protocol.CallbackStepExecutionSuccess)
	if len(names) != 1 {
		t.Fatalf("expected exactly one StepExecutionSuccess, got %d", len(names))
	}
}

func ptr[T any](v T) *T { return &v }

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
