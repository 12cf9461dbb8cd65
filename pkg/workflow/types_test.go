package workflow_test

import (
	"encoding/json"
	"testing"

	"github.com/meshflow/meshflow/pkg/workflow"
)

func TestArgumentUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{name: "value only", json: `{"name":"host","value":"10.0.0.1"}`},
		{name: "reference only", json: `{"name":"host","reference":"scan_host"}`},
		{name: "reference with selection", json: `{"name":"host","reference":"scan_host","selection":["ip"]}`},
		{name: "none set", json: `{"name":"host"}`, wantErr: true},
		{name: "value and reference", json: `{"name":"host","value":"x","reference":"y"}`, wantErr: true},
		{name: "selection without reference", json: `{"name":"host","selection":["ip"]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a workflow.Argument
			err := json.Unmarshal([]byte(tt.json), &a)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestArgumentRoundTrip(t *testing.T) {
	var v any = "10.0.0.1"
	a := workflow.Argument{Name: "host", Value: &v}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded workflow.Argument
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Name != "host" || decoded.Value == nil || *decoded.Value != "10.0.0.1" {
		t.Errorf("round-trip mismatch: %+v", decoded)
	}
}

func TestWorkflowAddRisk(t *testing.T) {
	w := &workflow.Workflow{}

	if ok := w.AddRisk(0.4); !ok {
		t.Fatal("0.4 should stay within budget")
	}
	if ok := w.AddRisk(0.5); !ok {
		t.Fatal("0.9 should stay within budget")
	}
	if ok := w.AddRisk(0.2); ok {
		t.Fatal("1.1 should exceed budget")
	}
	if w.AccumulatedRisk < 1.0 {
		t.Errorf("AccumulatedRisk should keep accumulating even once over budget, got %v", w.AccumulatedRisk)
	}
}

func TestWorkflowAddRiskEpsilon(t *testing.T) {
	w := &workflow.Workflow{}
	if ok := w.AddRisk(1.0 + 1e-12); !ok {
		t.Fatal("risk within epsilon of 1.0 should be accepted")
	}
}

func TestStepByName(t *testing.T) {
	w := &workflow.Workflow{Steps: map[string]*workflow.Step{
		"scan_host": {Name: "scan_host"},
	}}

	if _, ok := w.StepByName("scan_host"); !ok {
		t.Error("expected scan_host to be found")
	}
	if _, ok := w.StepByName("missing"); ok {
		t.Error("expected missing step to report not found")
	}
}

func TestAccumulatorSetGet(t *testing.T) {
	acc := make(workflow.Accumulator)
	acc.Set("scan_host", workflow.StepOutput{Result: "up", Status: "success"})

	out, ok := acc.Get("scan_host")
	if !ok {
		t.Fatal("expected scan_host output to be present")
	}
	if out.Status != "success" || out.Result != "up" {
		t.Errorf("unexpected output: %+v", out)
	}

	if _, ok := acc.Get("missing"); ok {
		t.Error("expected missing key to report not found")
	}
}
