package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HFGenerator calls a text-generation endpoint speaking the HuggingFace
// inference payload format, e.g. a server wrapping the merged adapter model.
type HFGenerator struct {
	baseURL    string
	model      string
	releaseURL string
	client     *http.Client
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfParameters struct {
	NumBeams           int  `json:"num_beams"`
	MaxNewTokens       int  `json:"max_new_tokens"`
	NumReturnSequences int  `json:"num_return_sequences"`
	DoSample           bool `json:"do_sample"`
	ReturnFullText     bool `json:"return_full_text"`
}

type hfOutput struct {
	GeneratedText string `json:"generated_text"`
}

// NewHFGenerator creates a client for baseURL. releaseURL is optional; when
// set, Release POSTs to it to clear the server's accelerator cache.
func NewHFGenerator(baseURL, model, releaseURL string) *HFGenerator {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &HFGenerator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		releaseURL: releaseURL,
		client:     &http.Client{Timeout: 300 * time.Second},
	}
}

func (g *HFGenerator) Name() string {
	return "hf"
}

func (g *HFGenerator) Model() string {
	return g.model
}

func (g *HFGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	result := &Result{Backend: g.Name(), Model: g.model}
	start := time.Now()
	defer func() { result.Latency = time.Since(start) }()

	numReturn := 1
	if req.Params.ReturnAllSequences && req.Params.NumBeams > 1 {
		numReturn = req.Params.NumBeams
	}

	jsonData, err := json.Marshal(hfRequest{
		Inputs: req.Prompt,
		Parameters: hfParameters{
			NumBeams:           req.Params.NumBeams,
			MaxNewTokens:       req.Params.MaxNewTokens,
			NumReturnSequences: numReturn,
			DoSample:           false,
			ReturnFullText:     true,
		},
	})
	if err != nil {
		result.Error = fmt.Sprintf("failed to marshal request: %v", err)
		return result, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		return result, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		return result, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = fmt.Sprintf("failed to read response: %v", err)
		return result, err
	}

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Sprintf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return result, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	outputs, err := decodeHFOutputs(body)
	if err != nil {
		result.Error = fmt.Sprintf("failed to decode response: %v", err)
		return result, err
	}
	if len(outputs) == 0 {
		result.Error = ErrNoSequences.Error()
		return result, ErrNoSequences
	}

	for _, o := range outputs {
		result.Sequences = append(result.Sequences, o.GeneratedText)
	}
	return result, nil
}

// decodeHFOutputs accepts both the single-object and the list response shapes.
func decodeHFOutputs(body []byte) ([]hfOutput, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var outputs []hfOutput
		if err := json.Unmarshal(trimmed, &outputs); err != nil {
			return nil, err
		}
		return outputs, nil
	}
	var single hfOutput
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []hfOutput{single}, nil
}

// Release asks the server to drop cached accelerator memory. It is a no-op
// when no release URL was configured.
func (g *HFGenerator) Release(ctx context.Context) error {
	if g.releaseURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, "POST", g.releaseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create release request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("release request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("release returned status %d", resp.StatusCode)
	}
	return nil
}

func (g *HFGenerator) IsAvailable(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, "GET", g.baseURL+"/health", nil)
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("generation server not available: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generation server returned status %d", resp.StatusCode)
	}
	return nil
}
