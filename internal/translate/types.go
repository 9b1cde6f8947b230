// Package translate maps natural-language questions to SQLite SELECT
// statements through two interchangeable strategies: deterministic rule
// extraction and model-backed generation, with a cascading fallback policy
// between them.
package translate

import "fmt"

type Strategy string

const (
	StrategyRuleFirst Strategy = "rule_first"
	StrategyLLMFirst  Strategy = "llm_first"
	StrategyRuleOnly  Strategy = "rule_only"
	StrategyLLMOnly   Strategy = "llm_only"
)

// DefaultStrategy is applied when a request does not name one.
const DefaultStrategy = StrategyRuleFirst

func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case StrategyRuleFirst, StrategyLLMFirst, StrategyRuleOnly, StrategyLLMOnly:
		return Strategy(raw), nil
	case "":
		return DefaultStrategy, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", raw)
	}
}

// Request is one immutable translation request.
type Request struct {
	Question string
	Database string
	Strategy Strategy
}

// FailureKind tags every non-success outcome in the cascade. Failures are
// values, not thrown objects; the orchestrator routes on them.
type FailureKind string

const (
	KindUnknownDatabase      FailureKind = "UnknownDatabase"
	KindUpstreamUnavailable  FailureKind = "UpstreamUnavailable"
	KindEmptySchema          FailureKind = "EmptySchema"
	KindCredentialsMissing   FailureKind = "CredentialsMissing"
	KindNoRuleMatch          FailureKind = "NoRuleMatch"
	KindInvalidGeneration    FailureKind = "InvalidGeneration"
	KindDisallowedStatement  FailureKind = "DisallowedStatement"
	KindExecutionError       FailureKind = "ExecutionError"
	KindNarrationUnavailable FailureKind = "NarrationUnavailable"
)

// Step labels identify which translator produced an attempt.
const (
	StepRule           = "rule"
	StepRuleSimplified = "rule_simplified"
	StepLLM            = "llm"
	StepLLMRepair      = "llm_repair"
)

// Result is the outcome of a single translator invocation.
type Result struct {
	SQL     string
	Step    string
	Notes   []string
	Failure FailureKind
	Reason  string
}

func (r Result) OK() bool {
	return r.Failure == ""
}

func failure(step string, kind FailureKind, reason string) Result {
	return Result{Step: step, Failure: kind, Reason: reason}
}

// Attempt is one trace entry: which step ran and why it was abandoned.
// A successful final attempt has an empty Failure.
type Attempt struct {
	Step    string      `json:"step"`
	Failure FailureKind `json:"failure,omitempty"`
	Note    string      `json:"note,omitempty"`
}
