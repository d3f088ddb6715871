// Package prbody consolidates the regex-spaghetti wallet/stake extraction
// called out in spec.md §9 into a single parser with ordered patterns,
// following the redesign note: "return the first successful match with the
// matched pattern's name attached for debugging." Wallet/stake-signature
// validation uses base58 decoding adopted from the
// Jason-chen-taiwan-arcSignv2 example repo's multi-chain address tooling,
// since the teacher (nhbchain) is EVM/20-byte-address native and carries no
// base58 support of its own.
package prbody

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
)

// Fields is the structured data extracted from a PR body.
type Fields struct {
	Wallet        string
	WalletPattern string
	StakeTx       string
	StakeTxPattern string
	IssueNumber   int64
	HasIssueRef   bool
}

// orderedPattern is a named regex tried in order; the first match wins.
type orderedPattern struct {
	name string
	re   *regexp.Regexp
}

var walletPatterns = []orderedPattern{
	{"payout_wallet_bold", regexp.MustCompile(`(?i)\*\*\s*Payout\s+Wallet\s*\*\*\s*:\s*([1-9A-HJ-NP-Za-km-z]{32,44})`)},
	{"payout_wallet_bold_paren", regexp.MustCompile(`(?i)\*\*\s*Payout\s+Wallet\s*(?:\([^)]*\))?\s*\*\*\s*:\s*([1-9A-HJ-NP-Za-km-z]{32,44})`)},
	{"payout_wallet_plain", regexp.MustCompile(`(?i)Payout\s+Wallet\s*:\s*([1-9A-HJ-NP-Za-km-z]{32,44})`)},
	{"wallet_plain", regexp.MustCompile(`(?i)\bWallet\s*:\s*([1-9A-HJ-NP-Za-km-z]{32,44})`)},
}

var stakeTxPatterns = []orderedPattern{
	{"stake_tx_bold", regexp.MustCompile(`(?i)\*\*\s*Stake\s+TX\s*\*\*\s*:\s*([1-9A-HJ-NP-Za-km-z]{64,100})`)},
	{"stake_tx_plain", regexp.MustCompile(`(?i)Stake\s+TX\s*:\s*([1-9A-HJ-NP-Za-km-z]{64,100})`)},
	{"stake_signature_plain", regexp.MustCompile(`(?i)Stake\s+Signature\s*:\s*([1-9A-HJ-NP-Za-km-z]{64,100})`)},
}

var issueRefPatterns = []orderedPattern{
	{"closes", regexp.MustCompile(`(?i)\bCloses\s+#(\d+)`)},
	{"fixes", regexp.MustCompile(`(?i)\bFixes\s+#(\d+)`)},
	{"resolves", regexp.MustCompile(`(?i)\bResolves\s+#(\d+)`)},
	{"issue_ref", regexp.MustCompile(`(?i)\bIssue\s+#(\d+)`)},
}

func firstMatch(patterns []orderedPattern, body string) (value, patternName string, ok bool) {
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(body)
		if len(m) == 2 {
			return strings.TrimSpace(m[1]), p.name, true
		}
	}
	return "", "", false
}

// Parse extracts wallet, stake-tx, and issue-reference fields from a PR
// body. walletRequired controls whether a missing wallet is an error; §4.1
// step 6 says wallet extraction "may be tolerant" on the opened action since
// it's only required for payout.
func Parse(body string, walletRequired bool) (Fields, error) {
	var fields Fields

	if wallet, pattern, ok := firstMatch(walletPatterns, body); ok {
		fields.Wallet = wallet
		fields.WalletPattern = pattern
	} else if walletRequired {
		return fields, fmt.Errorf("prbody: missing wallet in PR body")
	}

	if tx, pattern, ok := firstMatch(stakeTxPatterns, body); ok {
		fields.StakeTx = tx
		fields.StakeTxPattern = pattern
	}

	if raw, _, ok := firstMatch(issueRefPatterns, body); ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fields.IssueNumber = n
			fields.HasIssueRef = true
		}
	}

	return fields, nil
}

// Emit renders Fields back into canonical PR body markdown, the inverse of
// Parse used by the round-trip property test in spec.md §8.
func Emit(f Fields) string {
	var b strings.Builder
	if f.Wallet != "" {
		fmt.Fprintf(&b, "**Payout Wallet**: %s\n", f.Wallet)
	}
	if f.StakeTx != "" {
		fmt.Fprintf(&b, "**Stake TX**: %s\n", f.StakeTx)
	}
	if f.HasIssueRef {
		fmt.Fprintf(&b, "Closes #%d\n", f.IssueNumber)
	}
	return b.String()
}

// ValidateWallet reports whether s decodes as a 32-byte base58 public key,
// per spec.md §6.2 / the universal invariant in §8.
func ValidateWallet(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return false
	}
	return len(decoded) == 32
}

// ValidateStakeTx reports whether s is a plausible base58 transaction
// signature, per spec.md §6.2.
func ValidateStakeTx(s string) bool {
	if len(s) < 64 || len(s) > 100 {
		return false
	}
	if _, err := base58.Decode(s); err != nil {
		return false
	}
	return true
}

var bountyTitlePattern = regexp.MustCompile(`(?i)^\s*\[\s*BOUNTY\s*:\s*([\d,]+)\s*WATT\s*\]\s*(.*)$`)

// ParseBountyTitle extracts the authoritative amount and human title from an
// issue title formatted per spec.md §6.3. Decimal commas in the amount are
// ignored.
func ParseBountyTitle(title string) (amount int64, humanTitle string, ok bool) {
	m := bountyTitlePattern.FindStringSubmatch(title)
	if len(m) != 3 {
		return 0, "", false
	}
	cleaned := strings.ReplaceAll(m[1], ",", "")
	n, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, strings.TrimSpace(m[2]), true
}

// strip removes the bounty tag and punctuation from a title, used by the
// evaluator's Jaccard duplicate-detection token extraction (spec.md §4.4).
func strip(title string) string {
	if _, rest, ok := ParseBountyTitle(title); ok {
		title = rest
	}
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// Tokens lower-cases and whitespace-splits a stripped title into a token
// set for Jaccard comparison.
func Tokens(title string) map[string]struct{} {
	stripped := strings.ToLower(strip(title))
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(stripped) {
		out[tok] = struct{}{}
	}
	return out
}

// JaccardSimilarity computes |a∩b| / |a∪b| over two token sets.
func JaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
