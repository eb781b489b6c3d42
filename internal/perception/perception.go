// Package perception turns free-form user intent and raw transaction fields
// into a normalized, classified record: the first pipeline stage.
package perception

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/rawblock/txaudit-engine/internal/domain"
)

var (
	amountPattern   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:eth|usdc|usdt|dai|wbtc)?`)
	slippagePattern = regexp.MustCompile(`(?i)(?:slippage|slip)\s*(?:of\s*)?(\d+(?:\.\d+)?)%?`)
	addressPattern  = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

var keywordSets = []struct {
	category domain.IntentCategory
	words    []string
}{
	{domain.IntentSwap, []string{"swap", "exchange"}},
	{domain.IntentApprove, []string{"approve", "authorize"}},
	{domain.IntentTransfer, []string{"transfer", "send"}},
	{domain.IntentMint, []string{"mint"}},
	{domain.IntentStake, []string{"stake", "deposit"}},
	{domain.IntentClaim, []string{"claim"}},
}

// RawTransaction is the unvalidated transaction payload as received from the transport.
type RawTransaction struct {
	ChainID  int64
	From     string
	To       string
	Value    any // string | float64 | int64 — accepted forms per spec §4.1
	Data     string
	GasLimit uint64
}

// ParseIntent classifies the free-form intent string and extracts amounts/slippage.
func ParseIntent(text string) domain.IntentAnalysis {
	lower := strings.ToLower(text)

	category := domain.IntentUnknown
	for _, set := range keywordSets {
		for _, word := range set.words {
			if strings.Contains(lower, word) {
				category = set.category
				break
			}
		}
		if category != domain.IntentUnknown {
			break
		}
	}

	var amounts []float64
	for _, m := range amountPattern.FindAllStringSubmatch(lower, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			amounts = append(amounts, v)
		}
	}

	var slippage *float64
	if m := slippagePattern.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			pct := v / 100
			slippage = &pct
		}
	}

	return domain.IntentAnalysis{
		Category:          category,
		Amounts:           amounts,
		SlippageTolerance: slippage,
		Raw:               text,
	}
}

// weiPerEther is 10^18, used to normalize float whole-unit values into wei.
var weiPerEther = new(big.Float).SetFloat64(1e18)

// ValidateTx normalizes a RawTransaction into an immutable TransactionRequest.
// Returns a *domain.ValidationError if an address is malformed, a required
// field is missing, or value parsing fails.
func ValidateTx(raw RawTransaction) (domain.TransactionRequest, error) {
	if raw.From == "" {
		return domain.TransactionRequest{}, &domain.ValidationError{Field: "from", Message: "required field missing"}
	}
	if raw.To == "" {
		return domain.TransactionRequest{}, &domain.ValidationError{Field: "to", Message: "required field missing"}
	}

	from := strings.ToLower(raw.From)
	to := strings.ToLower(raw.To)
	if !addressPattern.MatchString(from) {
		return domain.TransactionRequest{}, &domain.ValidationError{Field: "from", Message: "not a valid 20-byte hex address"}
	}
	if !addressPattern.MatchString(to) {
		return domain.TransactionRequest{}, &domain.ValidationError{Field: "to", Message: "not a valid 20-byte hex address"}
	}

	value, err := normalizeValue(raw.Value)
	if err != nil {
		return domain.TransactionRequest{}, &domain.ValidationError{Field: "value", Message: err.Error()}
	}

	data := normalizeData(raw.Data)

	gasLimit := raw.GasLimit
	if gasLimit == 0 {
		gasLimit = 30_000_000
	}

	chainID := raw.ChainID
	if chainID == 0 {
		chainID = 1
	}

	return domain.TransactionRequest{
		ChainID:  chainID,
		From:     from,
		To:       to,
		Value:    value,
		Data:     data,
		GasLimit: gasLimit,
	}, nil
}

// normalizeValue accepts decimal strings, "0x"-prefixed hex strings, integers,
// or whole-unit floats (multiplied by 10^18) and returns a canonical base-10
// decimal string.
func normalizeValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "0", nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return "0", nil
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			n, ok := new(big.Int).SetString(s[2:], 16)
			if !ok {
				return "", fmt.Errorf("invalid hex value %q", s)
			}
			return n.String(), nil
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return "", fmt.Errorf("invalid decimal value %q", s)
		}
		if n.Sign() < 0 {
			return "", fmt.Errorf("value must be non-negative")
		}
		return n.String(), nil
	case int64:
		if val < 0 {
			return "", fmt.Errorf("value must be non-negative")
		}
		return strconv.FormatInt(val, 10), nil
	case int:
		return normalizeValue(int64(val))
	case float64:
		if val < 0 {
			return "", fmt.Errorf("value must be non-negative")
		}
		wei := new(big.Float).Mul(big.NewFloat(val), weiPerEther)
		n, _ := wei.Int(nil)
		return n.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// normalizeData forces calldata into 0x-prefixed lowercase hex, defaulting to "0x".
func normalizeData(data string) string {
	if data == "" {
		return "0x"
	}
	lower := strings.ToLower(data)
	if !strings.HasPrefix(lower, "0x") {
		lower = "0x" + lower
	}
	return lower
}

// floorMediumIntents lists categories that never classify below "medium".
var floorMediumIntents = map[domain.IntentCategory]bool{
	domain.IntentSwap:    true,
	domain.IntentApprove: true,
}

// Classify derives complexity from calldata size, with a floor of "medium"
// for swap/approve intents regardless of calldata size.
func Classify(intent domain.IntentAnalysis, tx domain.TransactionRequest) domain.Complexity {
	calldataLen := len(strings.TrimPrefix(tx.Data, "0x"))

	var complexity domain.Complexity
	switch {
	case calldataLen > 1000:
		complexity = domain.ComplexityComplex
	case calldataLen > 200:
		complexity = domain.ComplexityMedium
	default:
		complexity = domain.ComplexitySimple
	}

	if floorMediumIntents[intent.Category] && complexity == domain.ComplexitySimple {
		complexity = domain.ComplexityMedium
	}
	return complexity
}

// NextStep decides whether the Planner stage is required.
func NextStep(complexity domain.Complexity) domain.StageName {
	if complexity == domain.ComplexityComplex {
		return domain.StagePlanner
	}
	return domain.StageExecutor
}

// Run executes the full Perception stage and returns its tagged-sum output.
func Run(userIntent string, raw RawTransaction) (domain.PerceptionOutput, error) {
	intent := ParseIntent(userIntent)

	tx, err := ValidateTx(raw)
	if err != nil {
		return domain.PerceptionOutput{}, err
	}

	complexity := Classify(intent, tx)

	var warnings []string
	if intent.Category == domain.IntentUnknown {
		warnings = append(warnings, "could not classify intent category from free-form text")
	}

	return domain.PerceptionOutput{
		Intent:     intent,
		Tx:         tx,
		Complexity: complexity,
		NextStep:   NextStep(complexity),
		Warnings:   warnings,
	}, nil
}
