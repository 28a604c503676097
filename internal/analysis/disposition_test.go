package analysis

import (
	"errors"
	"testing"
)

func TestParseQCResult_PlainJSON(t *testing.T) {
	qc, err := ParseQCResult(`{"disposition":"Sale","sentiment":"positive","key_moments":["agreed to price"]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if qc.Disposition != "Sale" || qc.Sentiment != "positive" || len(qc.KeyMoments) != 1 {
		t.Fatalf("unexpected result: %+v", qc)
	}
}

func TestParseQCResult_JSONWrappedInProse(t *testing.T) {
	content := "Here is the analysis:\n```json\n{\"disposition\":\"DNC\",\"reason\":\"asked to be removed\"}\n```\nDone."
	qc, err := ParseQCResult(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if qc.Disposition != "DNC" {
		t.Fatalf("unexpected disposition: %q", qc.Disposition)
	}
}

func TestParseQCResult_Malformed(t *testing.T) {
	for _, content := range []string{
		"no json here",
		`{"disposition": }`,
		`{"sub_disposition":"x"}`, // missing disposition
	} {
		if _, err := ParseQCResult(content); err == nil {
			t.Fatalf("expected parse error for %q", content)
		}
	}
}

func TestStageOf(t *testing.T) {
	err := NewStageError(StageLabeling, errors.New("boom"))
	stage, ok := StageOf(err)
	if !ok || stage != StageLabeling {
		t.Fatalf("expected labeling stage, got %v %v", stage, ok)
	}

	wrapped := errors.Join(errors.New("outer"), err)
	if stage, ok := StageOf(wrapped); !ok || stage != StageLabeling {
		t.Fatalf("expected stage through wrapping, got %v %v", stage, ok)
	}

	if _, ok := StageOf(errors.New("plain")); ok {
		t.Fatalf("plain errors carry no stage")
	}
}

func TestNewStageError_NilPassthrough(t *testing.T) {
	if NewStageError(StageAnalysis, nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
