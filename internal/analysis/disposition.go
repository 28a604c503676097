package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"callqc-platform/internal/records"
)

// DefaultDispositions is the classification taxonomy offered to the model
// when no campaign-specific set is configured.
var DefaultDispositions = []string{
	"Sale",
	"Not Interested",
	"Callback",
	"DNC",
	"Voicemail",
	"Wrong Number",
	"No Answer",
}

const dispositionSystemPrompt = `You are a call quality-control analyst.
Given a speaker-labeled sales call transcript, respond with exactly one JSON
object and nothing else, using these fields:
{"disposition": "", "sub_disposition": "", "reason": "", "summary": "",
"sentiment": "", "confidence_level": "", "key_moments": [],
"objections_raised": [], "objections_overcome": false}`

// LLMDispositionClassifier turns a labeled transcript into a structured QC
// result.
//
// Malformed model output is handled per the Strict flag: lenient mode records
// a "Not Classified" placeholder and reports success, strict mode surfaces an
// analysis stage error so the job retries and can land in analysis_failed.
type LLMDispositionClassifier struct {
	llm          *llmClient
	dispositions []string

	// Strict controls whether unparsable output is an error (QC_STRICT_CLASSIFICATION).
	Strict bool
}

func NewLLMDispositionClassifier(cfg LLMConfig, client *http.Client, dispositions []string, strict bool) *LLMDispositionClassifier {
	if len(dispositions) == 0 {
		dispositions = DefaultDispositions
	}
	return &LLMDispositionClassifier{
		llm:          newLLMClient(cfg, client),
		dispositions: dispositions,
		Strict:       strict,
	}
}

func (c *LLMDispositionClassifier) Classify(ctx context.Context, labeledTranscript, campaignName string) (records.QCResult, error) {
	prompt := c.buildPrompt(labeledTranscript, campaignName)

	content, err := c.llm.complete(ctx, dispositionSystemPrompt, prompt)
	if err != nil {
		return records.QCResult{}, NewStageError(StageAnalysis, err)
	}

	qc, err := ParseQCResult(content)
	if err != nil {
		if c.Strict {
			return records.QCResult{}, NewStageError(StageAnalysis, err)
		}
		return *records.NotClassified(err.Error()), nil
	}
	return qc, nil
}

func (c *LLMDispositionClassifier) buildPrompt(labeledTranscript, campaignName string) string {
	var b strings.Builder
	if campaignName != "" {
		fmt.Fprintf(&b, "Campaign: %s\n", campaignName)
	}
	fmt.Fprintf(&b, "Allowed dispositions: %s\n\n", strings.Join(c.dispositions, ", "))
	b.WriteString("Transcript:\n")
	b.WriteString(labeledTranscript)
	return b.String()
}

// ParseQCResult decodes the classifier's JSON output, tolerating surrounding
// prose. A decoded object without a disposition counts as malformed.
func ParseQCResult(content string) (records.QCResult, error) {
	raw, ok := jsonBody(content)
	if !ok {
		return records.QCResult{}, errors.New("classifier output contains no JSON object")
	}
	var qc records.QCResult
	if err := json.Unmarshal([]byte(raw), &qc); err != nil {
		return records.QCResult{}, fmt.Errorf("classifier output is not valid JSON: %w", err)
	}
	if strings.TrimSpace(qc.Disposition) == "" {
		return records.QCResult{}, errors.New("classifier output missing disposition")
	}
	return qc, nil
}
