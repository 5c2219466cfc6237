package services

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/utils"
)

// Exception descriptions carry the page's stack trace.
const maxExceptionLength = 512

//go:embed scripts/walker.js
var walkerScript string

// scriptOptions parameterizes the embedded walker. The page pass starts from
// the global object and its frames; the worker pass only looks at the
// bindings of the worker global scope. MaxBreadth 0 means every property.
type scriptOptions struct {
	Scope      string `json:"scope"`
	MaxDepth   int    `json:"maxDepth"`
	MaxBreadth int    `json:"maxBreadth"`
	ScanFrames bool   `json:"scanFrames"`
	TimeoutMs  int64  `json:"timeoutMs"`
}

func pageScript(depth, breadth int, timeout time.Duration) string {
	return buildScript(scriptOptions{
		Scope:      "page",
		MaxDepth:   depth,
		MaxBreadth: breadth,
		ScanFrames: true,
		TimeoutMs:  timeout.Milliseconds(),
	})
}

// workerScript checks every binding of the worker global scope. User
// bindings sit after the built-ins, so the breadth cap does not apply.
func workerScript(timeout time.Duration) string {
	return buildScript(scriptOptions{
		Scope:     "worker",
		MaxDepth:  1,
		TimeoutMs: timeout.Milliseconds(),
	})
}

func buildScript(opts scriptOptions) string {
	raw, _ := json.Marshal(opts)
	return fmt.Sprintf("(%s)(%s)", walkerScript, raw)
}

func evaluateParams(expression string) map[string]any {
	return map[string]any{
		"expression":    expression,
		"awaitPromise":  true,
		"returnByValue": true,
	}
}

type walkFinding struct {
	Name   string `json:"name"`
	Result struct {
		Success bool              `json:"success"`
		Entries []json.RawMessage `json:"entries"`
		Error   string            `json:"error"`
	} `json:"result"`
}

type evaluateResponse struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

// decodeEvaluation turns a Runtime.evaluate response of the walker into
// candidate results.
func decodeEvaluation(raw json.RawMessage) ([]domain.CandidateResult, error) {
	var resp evaluateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode evaluate response: %w", err)
	}
	if resp.ExceptionDetails != nil {
		msg := resp.ExceptionDetails.Text
		if resp.ExceptionDetails.Exception != nil && resp.ExceptionDetails.Exception.Description != "" {
			msg = resp.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("evaluation failed: %s", utils.TruncateString(msg, maxExceptionLength))
	}

	var findings []walkFinding
	if len(resp.Result.Value) > 0 && string(resp.Result.Value) != "null" {
		if err := json.Unmarshal(resp.Result.Value, &findings); err != nil {
			return nil, fmt.Errorf("decode walker result: %w", err)
		}
	}

	candidates := make([]domain.CandidateResult, 0, len(findings))
	for _, f := range findings {
		candidates = append(candidates, domain.CandidateResult{
			Name:    f.Name,
			Success: f.Result.Success,
			Entries: f.Result.Entries,
			Error:   f.Result.Error,
		})
	}
	return candidates, nil
}

type targetsResponse struct {
	TargetInfos []domain.TargetInfo `json:"targetInfos"`
}
