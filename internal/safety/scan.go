// Package safety implements the fail-closed Safety Scan of spec.md §4.3.
// Unlike the quality review engine, any failure mode here — an unavailable
// LM, a failed diff fetch, an unparseable result — resolves to FAIL rather
// than a retry-and-continue posture, per the spec's explicit "fail-closed
// rules".
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bountyd/internal/lmclient"
	"bountyd/internal/model"
)

// MaxDiffBytes is the truncation boundary spec.md §4.3 specifies ("≤ ~15000
// bytes; mark truncated").
const MaxDiffBytes = 15000

const scanPromptTemplate = `You are scanning a code diff for malicious intent before it is merged
into a project that pays contributors in cryptocurrency.
Diff (may be truncated):
%s

Evaluate each dimension independently: malware, credential_theft,
crypto_theft, data_exfiltration, supply_chain, obfuscation, phishing,
wallet_injection, ai_proxy_social_engineering. For each, assign a risk level
of none, low, medium, high, or critical. Respond as JSON:
{"verdict":"pass|fail","risk":"none|low|medium|high|critical","rationale":"...",
"dimensions":{"malware":"none",...}}`

type scanResponse struct {
	Verdict    string                     `json:"verdict"`
	Risk       string                     `json:"risk"`
	Rationale  string                     `json:"rationale"`
	Dimensions map[model.SafetyDimension]string `json:"dimensions"`
}

// Scanner runs the fail-closed safety scan over a PR diff.
type Scanner struct {
	provider lmclient.Provider
	now      func() time.Time
}

// NewScanner constructs a Scanner over the given LM provider.
func NewScanner(provider lmclient.Provider) *Scanner {
	return &Scanner{provider: provider, now: time.Now}
}

// Truncate bounds diff to MaxDiffBytes, reporting whether truncation
// occurred.
func Truncate(diff string) (string, bool) {
	if len(diff) <= MaxDiffBytes {
		return diff, false
	}
	return diff[:MaxDiffBytes], true
}

// Scan evaluates diff against every safety dimension. diffFetchFailed and a
// nil/empty diff are both handled per spec.md §4.3's fail-closed rules:
// diff fetch failure ⇒ FAIL; empty diff ⇒ PASS.
func (s *Scanner) Scan(ctx context.Context, prID int64, diff string, diffFetchFailed bool) model.SafetyResult {
	result := model.SafetyResult{PRID: prID, CreatedAt: s.now().UTC()}

	if diffFetchFailed {
		result.Verdict = model.VerdictFail
		result.Risk = model.RiskCritical
		result.Rationale = "diff fetch failed"
		result.ScanRan = false
		return result
	}

	if strings.TrimSpace(diff) == "" {
		result.Verdict = model.VerdictPass
		result.Risk = model.RiskNone
		result.Rationale = "empty diff"
		result.ScanRan = true
		return result
	}

	truncatedDiff, truncated := Truncate(diff)
	result.Truncated = truncated

	text, err := s.provider.Complete(ctx, fmt.Sprintf(scanPromptTemplate, truncatedDiff), 0.1, 1536)
	if err != nil {
		result.Verdict = model.VerdictFail
		result.Risk = model.RiskCritical
		result.Rationale = fmt.Sprintf("LM unavailable: %v", err)
		result.ScanRan = false
		return result
	}

	parsedResult, ok := parse(text)
	if !ok {
		result.Verdict = model.VerdictFail
		result.Risk = model.RiskCritical
		result.Rationale = "unparseable safety scan output"
		result.ScanRan = false
		return result
	}

	result.ScanRan = true
	result.Rationale = parsedResult.Rationale
	result.Dimensions = make(map[model.SafetyDimension]model.RiskLevel, len(model.AllSafetyDimensions))

	highestRisk := model.RiskLevel(parsedResult.Risk)
	anyHigh := highestRisk.AtLeastHigh()
	for _, dim := range model.AllSafetyDimensions {
		level := model.RiskLevel(parsedResult.Dimensions[dim])
		if level == "" {
			level = model.RiskNone
		}
		result.Dimensions[dim] = level
		if level.AtLeastHigh() {
			anyHigh = true
		}
	}

	if anyHigh || strings.EqualFold(parsedResult.Verdict, "fail") {
		result.Verdict = model.VerdictFail
	} else {
		result.Verdict = model.VerdictPass
	}
	if result.Risk == "" {
		result.Risk = highestRisk
	}
	if result.Risk == "" {
		result.Risk = model.RiskNone
	}
	return result
}

func parse(text string) (scanResponse, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return scanResponse{}, false
	}
	var resp scanResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err == nil && resp.Verdict != "" {
		return resp, true
	}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &resp); err == nil && resp.Verdict != "" {
				return resp, true
			}
		}
	}
	return scanResponse{}, false
}
