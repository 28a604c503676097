package analysis

import (
	"context"
	"net/http"
)

const labelingSystemPrompt = `You label call transcripts with speaker turns.
Rewrite the transcript with each utterance prefixed by "Agent:" or "Customer:".
Keep the wording verbatim. Output only the labeled transcript, no commentary.`

// LLMSpeakerLabeler annotates transcripts with speaker turns via the LLM
// gateway at temperature 0, so repeated runs of the same transcript label
// identically.
type LLMSpeakerLabeler struct {
	llm *llmClient
}

func NewLLMSpeakerLabeler(cfg LLMConfig, client *http.Client) *LLMSpeakerLabeler {
	return &LLMSpeakerLabeler{llm: newLLMClient(cfg, client)}
}

func (l *LLMSpeakerLabeler) LabelSpeakers(ctx context.Context, transcript string) (string, error) {
	out, err := l.llm.complete(ctx, labelingSystemPrompt, transcript)
	if err != nil {
		return "", NewStageError(StageLabeling, err)
	}
	return out, nil
}
