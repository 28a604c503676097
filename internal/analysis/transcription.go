package analysis

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// TranscriptionConfig configures the HTTP transcription client.
type TranscriptionConfig struct {
	BaseURL string
	APIKey  string

	// PollInterval is the delay between job status checks.
	PollInterval time.Duration
	// PollTimeout bounds the total wait for a transcription job.
	PollTimeout time.Duration
}

func (c TranscriptionConfig) withDefaults() TranscriptionConfig {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = 1500 * time.Millisecond
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = 90 * time.Second
	}
	return out
}

// TranscriptionClient talks to an async speech-to-text service: submit the
// recording URL, poll the returned job until it settles, then fetch the text.
type TranscriptionClient struct {
	cfg    TranscriptionConfig
	client *http.Client
}

func NewTranscriptionClient(cfg TranscriptionConfig, client *http.Client) *TranscriptionClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TranscriptionClient{cfg: cfg.withDefaults(), client: client}
}

type submitRequest struct {
	RecordingURL string `json:"recording_url"`
}

type transcriptionJob struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"` // queued, processing, completed, failed
	Transcript      string  `json:"transcript"`
	DurationSeconds float64 `json:"duration_seconds"`
	EstimatedCost   float64 `json:"estimated_cost"`
	Error           string  `json:"error"`
}

func (c *TranscriptionClient) Transcribe(ctx context.Context, recordingURL string) (Transcription, error) {
	if c.cfg.BaseURL == "" {
		return Transcription{}, NewStageError(StageTranscription, errors.New("transcription service not configured"))
	}

	var job transcriptionJob
	err := doJSON(ctx, c.client, http.MethodPost, c.cfg.BaseURL+"/v1/transcriptions",
		c.headers(), submitRequest{RecordingURL: recordingURL}, &job)
	if err != nil {
		return Transcription{}, NewStageError(StageTranscription, err)
	}

	if job.Status != "completed" {
		job, err = c.poll(ctx, job.JobID)
		if err != nil {
			return Transcription{}, NewStageError(StageTranscription, err)
		}
	}

	return Transcription{
		Text:            job.Transcript,
		DurationSeconds: job.DurationSeconds,
		EstimatedCost:   job.EstimatedCost,
	}, nil
}

func (c *TranscriptionClient) poll(ctx context.Context, jobID string) (transcriptionJob, error) {
	deadline := time.NewTimer(c.cfg.PollTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return transcriptionJob{}, ctx.Err()
		case <-deadline.C:
			return transcriptionJob{}, errors.New("transcription did not complete in time")
		case <-tick.C:
		}

		var job transcriptionJob
		err := doJSON(ctx, c.client, http.MethodGet, c.cfg.BaseURL+"/v1/transcriptions/"+jobID,
			c.headers(), nil, &job)
		if err != nil {
			return transcriptionJob{}, err
		}

		switch job.Status {
		case "completed":
			return job, nil
		case "failed":
			if job.Error == "" {
				job.Error = "unknown provider failure"
			}
			return transcriptionJob{}, errors.New(job.Error)
		}
	}
}

func (c *TranscriptionClient) headers() map[string]string {
	if c.cfg.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}
