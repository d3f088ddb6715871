// Package review implements the Quality Review Engine (spec.md §4.2) and
// the Bounty Evaluator (spec.md §4.4). Both share a retry/parse engine: up
// to 3 attempts with exponential backoff (base 1s, doubling) on network
// failure or malformed output, preferring structured JSON output with a
// line-scanning fallback parser. The attempt/backoff shape mirrors
// internal/lmclient's own retry loop, extended one level up so a parse
// failure — not just a network failure — consumes a retry.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bountyd/internal/lmclient"
	"bountyd/internal/model"
)

const (
	maxAttempts    = 3
	retryBaseDelay = 1 * time.Second
	temperature    = 0.2
	maxTokens      = 1024
)

// parsed is the structured shape both quality review and bounty evaluation
// prompts are asked to emit.
type parsed struct {
	Verdict    string   `json:"verdict"`
	Score      float64  `json:"score"`
	Rationale  string   `json:"rationale"`
	Mission    float64  `json:"mission"`
	Legitimacy float64  `json:"legitimacy"`
	Impact     float64  `json:"impact"`
	AbuseRisk  float64  `json:"abuse_risk"`
	Flags      []string `json:"flags"`
}

// Engine drives a single LM completion through the retry/parse contract and
// returns the parsed result along with whether output ultimately needed
// human review.
type Engine struct {
	provider lmclient.Provider
	now      func() time.Time
}

// NewEngine constructs a review Engine over the given LM provider.
func NewEngine(provider lmclient.Provider) *Engine {
	return &Engine{provider: provider, now: time.Now}
}

// Run executes the retry/parse loop for a single prompt, returning the
// parsed structured result. needsReview is set when every attempt ended
// without a parseable result, whether from malformed output or from LM call
// errors; an authentication failure or a cancelled context returns early
// with needsReview false.
func (e *Engine) Run(ctx context.Context, prompt string) (result parsed, needsReview bool, err error) {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, callErr := e.provider.Complete(ctx, prompt, temperature, maxTokens)
		if callErr != nil {
			if errors.Is(callErr, lmclient.ErrAuthFailed) {
				return parsed{}, false, callErr
			}
			lastErr = callErr
		} else if p, ok := parse(text); ok {
			return p, false, nil
		} else {
			lastErr = fmt.Errorf("review: malformed LM output")
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return parsed{}, false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return parsed{}, true, lastErr
}

// parse attempts structured JSON parsing first, then falls back to a
// line-scanning parser recognizing VERDICT:/SCORE:/tagged sections, per
// spec.md §4.2.
func parse(text string) (parsed, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parsed{}, false
	}
	var p parsed
	if err := json.Unmarshal([]byte(trimmed), &p); err == nil && p.Verdict != "" {
		return p, true
	}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &p); err == nil && p.Verdict != "" {
				return p, true
			}
		}
	}
	return parseLineScan(trimmed)
}

var (
	verdictLine = regexp.MustCompile(`(?im)^\s*VERDICT\s*:\s*(pass|fail)\s*$`)
	scoreLine   = regexp.MustCompile(`(?im)^\s*SCORE\s*:\s*([\d.]+)\s*$`)
	tagLine     = regexp.MustCompile(`(?im)^\s*\[(MISSION|LEGITIMACY|IMPACT|ABUSE_RISK)\]\s*:?\s*([\d.]+)\s*$`)
)

func parseLineScan(text string) (parsed, bool) {
	vm := verdictLine.FindStringSubmatch(text)
	if vm == nil {
		return parsed{}, false
	}
	p := parsed{Verdict: strings.ToLower(vm[1]), Rationale: text}
	if sm := scoreLine.FindStringSubmatch(text); sm != nil {
		if score, err := strconv.ParseFloat(sm[1], 64); err == nil {
			p.Score = score
		}
	}
	for _, m := range tagLine.FindAllStringSubmatch(text, -1) {
		value, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		switch strings.ToUpper(m[1]) {
		case "MISSION":
			p.Mission = value
		case "LEGITIMACY":
			p.Legitimacy = value
		case "IMPACT":
			p.Impact = value
		case "ABUSE_RISK":
			p.AbuseRisk = value
		}
	}
	return p, true
}

func verdictOf(raw string) model.Verdict {
	if strings.EqualFold(raw, "pass") {
		return model.VerdictPass
	}
	return model.VerdictFail
}
