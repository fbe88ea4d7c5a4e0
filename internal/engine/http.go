// Package engine talks to the inference sidecar that performs the actual
// image generation. The core never blocks on it; only workers do.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zimagehq/zimage/internal/gen"
)

// HTTPEngine streams step events from an inference server over NDJSON.
type HTTPEngine struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPEngine(baseURL string) *HTTPEngine {
	if baseURL == "" {
		baseURL = "http://localhost:9500"
	}
	return &HTTPEngine{
		BaseURL: baseURL,
		// Generation is slow by design; the per-request budget covers a
		// full multi-step diffusion run.
		Client: &http.Client{Timeout: 15 * time.Minute},
	}
}

type generateReq struct {
	Prompt            string   `json:"prompt"`
	Height            int      `json:"height"`
	Width             int      `json:"width"`
	NumInferenceSteps int      `json:"num_inference_steps"`
	GuidanceScale     float64  `json:"guidance_scale"`
	Seed              *int64   `json:"seed,omitempty"`
	NegativePrompt    string   `json:"negative_prompt"`
	CfgNormalization  *bool    `json:"cfg_normalization,omitempty"`
	CfgTruncation     *float64 `json:"cfg_truncation,omitempty"`
	MaxSequenceLength *int     `json:"max_sequence_length,omitempty"`
	Stream            bool     `json:"stream"`
}

type generateEvent struct {
	Step        int    `json:"step,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
	Done        bool   `json:"done,omitempty"`
	ImageB64    string `json:"image_b64,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Generate runs one generation, reporting completed/total steps through
// progress between events. Returning false from progress aborts the run and
// yields gen.ErrGenerationCancelled.
func (e *HTTPEngine) Generate(ctx context.Context, spec gen.GenerateSpec, progress func(done, total int) bool) ([]byte, string, error) {
	if e.Client == nil {
		return nil, "", errors.New("engine: http client is nil")
	}

	negative := ""
	if spec.NegativePrompt != nil {
		negative = *spec.NegativePrompt
	}
	reqBody := generateReq{
		Prompt:            spec.Prompt,
		Height:            spec.Height,
		Width:             spec.Width,
		NumInferenceSteps: spec.NumInferenceSteps,
		GuidanceScale:     spec.GuidanceScale,
		Seed:              spec.Seed,
		NegativePrompt:    negative,
		CfgNormalization:  spec.CfgNormalization,
		CfgTruncation:     spec.CfgTruncation,
		MaxSequenceLength: spec.MaxSequenceLength,
		Stream:            true,
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := fmt.Sprintf("%s/v1/generate", e.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("engine: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev generateEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, "", fmt.Errorf("engine: bad event: %w", err)
		}
		if ev.Error != "" {
			return nil, "", errors.New(ev.Error)
		}

		if ev.Done {
			data, err := base64.StdEncoding.DecodeString(ev.ImageB64)
			if err != nil {
				return nil, "", fmt.Errorf("engine: bad image payload: %w", err)
			}
			contentType := ev.ContentType
			if contentType == "" {
				contentType = "image/png"
			}
			return data, contentType, nil
		}

		if progress != nil && ev.TotalSteps > 0 {
			if !progress(ev.Step, ev.TotalSteps) {
				cancel()
				return nil, "", gen.ErrGenerationCancelled
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}
	return nil, "", errors.New("engine: stream ended without result")
}
