package arbor

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEnvelopeStderrWarnf(t *testing.T) {
	var e EnvelopeStderr
	e.warnf("policy", "warning", "blocked by allow-list")
	if len(e.Warnings) != 1 {
		t.Fatalf("warnings = %d", len(e.Warnings))
	}
	w := e.Warnings[0]
	if w.Type != "policy" || w.Severity != "warning" || w.Message != "blocked by allow-list" {
		t.Errorf("warning = %+v", w)
	}
}

func TestEnvelopeStderrFail(t *testing.T) {
	var e EnvelopeStderr
	e.fail("fetch", errors.New("timeout"), "synthesized from partial artifacts")
	if len(e.Failures) != 1 {
		t.Fatalf("failures = %d", len(e.Failures))
	}
	f := e.Failures[0]
	if f.TaskID != "fetch" || f.Error != "timeout" || f.RecoveryAction != "synthesized from partial artifacts" {
		t.Errorf("failure = %+v", f)
	}
}

func TestEnvelopeStderrFailNilError(t *testing.T) {
	var e EnvelopeStderr
	e.fail("fetch", nil, "ignored")
	if len(e.Failures) != 0 {
		t.Errorf("nil error recorded: %+v", e.Failures)
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := StdioEnvelope{
		Stdout: EnvelopeStdout{
			Content:     "answer",
			WorkPackage: WorkPackage{Summary: "answer"},
		},
		Metadata: EnvelopeMetadata{CellID: "c1", Role: "manager", Confidence: 0.9},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"stdout"`, `"stderr"`, `"metadata"`, `"cell_id":"c1"`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded envelope missing %s:\n%s", want, s)
		}
	}
	// Empty failure and warning lists are omitted, not encoded as null noise.
	if strings.Contains(s, "failures") || strings.Contains(s, "warnings") {
		t.Errorf("empty stderr fields encoded:\n%s", s)
	}
}
