package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/patentql/patentql/internal/config"
	"github.com/patentql/patentql/internal/dbservice"
	"github.com/patentql/patentql/internal/executor"
	"github.com/patentql/patentql/internal/observability"
	"github.com/patentql/patentql/internal/schema"
)

// maxAttempts bounds the cascade regardless of strategy; every retry step is
// explicit and the orchestrator never loops.
const maxAttempts = 6

// ExecuteFunc runs one candidate statement. The orchestrator distinguishes
// statement rejections (*dbservice.QueryError) from transport outages.
type ExecuteFunc func(ctx context.Context, sqlText string) (executor.Result, error)

// Outcome is the final result of one cascade run: the SQL that succeeded
// together with its execution, or the last failure, plus the full trace.
type Outcome struct {
	SQL       string
	Step      string
	Notes     []string
	Execution executor.Result
	Trace     []Attempt
	Failure   FailureKind
	Reason    string
}

func (o Outcome) OK() bool {
	return o.Failure == ""
}

type Orchestrator struct {
	rules  map[string]*RuleTranslator
	llm    *LLMTranslator
	logger *slog.Logger
}

func NewOrchestrator(databases map[string]config.DatabaseConfig, llm *LLMTranslator, logger *slog.Logger) *Orchestrator {
	rules := make(map[string]*RuleTranslator, len(databases))
	for selector, db := range databases {
		rules[selector] = NewRuleTranslator(db)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{rules: rules, llm: llm, logger: logger}
}

type stepState int

const (
	stepDone stepState = iota
	stepTranslateFailed
	stepExecFailed
	stepDisallowed
	stepFatal
	stepBudgetExhausted
)

// Run drives the strategy cascade for one request, executing each candidate
// statement through exec and recording every attempt in the trace.
func (o *Orchestrator) Run(ctx context.Context, req Request, snap schema.Snapshot, exec ExecuteFunc) Outcome {
	rule, ok := o.rules[req.Database]
	if !ok {
		return Outcome{
			Failure: KindUnknownDatabase,
			Reason:  fmt.Sprintf("database %q is not configured", req.Database),
		}
	}

	out := &Outcome{}
	attempts := 0

	run := func(produce func() Result) (stepState, *PriorError) {
		if attempts >= maxAttempts {
			return stepBudgetExhausted, nil
		}
		attempts++

		res := produce()
		if !res.OK() {
			o.record(out, res.Step, res.Failure, res.Reason)
			return stepTranslateFailed, nil
		}
		if !executor.IsReadOnly(res.SQL) {
			o.logger.WarnContext(ctx, "translator produced disallowed statement",
				slog.String("step", res.Step),
				slog.String("database", req.Database),
			)
			o.record(out, res.Step, KindDisallowedStatement, "statement does not begin with SELECT or WITH")
			return stepDisallowed, nil
		}

		execution, err := exec(ctx, res.SQL)
		if err != nil {
			var queryErr *dbservice.QueryError
			switch {
			case errors.As(err, &queryErr):
				o.record(out, res.Step, KindExecutionError, queryErr.Message)
				return stepExecFailed, &PriorError{SQL: res.SQL, Message: queryErr.Message}
			case errors.Is(err, executor.ErrDisallowed):
				o.record(out, res.Step, KindDisallowedStatement, err.Error())
				return stepDisallowed, nil
			default:
				o.record(out, res.Step, KindUpstreamUnavailable, err.Error())
				return stepFatal, nil
			}
		}

		observability.ObserveTranslationAttempt(res.Step, "success")
		out.SQL = res.SQL
		out.Step = res.Step
		out.Notes = res.Notes
		out.Execution = execution
		out.Failure = ""
		out.Reason = ""
		out.Trace = append(out.Trace, Attempt{Step: res.Step})
		return stepDone, nil
	}

	ruleStep := func() Result { return rule.Translate(req, snap) }
	ruleSimplifiedStep := func() Result { return rule.TranslateSimplified(req, snap) }
	llmStep := func(prior *PriorError) func() Result {
		return func() Result {
			if o.llm == nil {
				step := StepLLM
				if prior != nil {
					step = StepLLMRepair
				}
				return failure(step, KindCredentialsMissing, "model translator is not configured")
			}
			return o.llm.Translate(ctx, req, snap, prior)
		}
	}

	// runLLM runs the primary model call and at most one repair. An execution
	// error is always worth one repair; a translation failure is re-prompted
	// only under llm_only, where no other translator can take over. Missing
	// credentials and disallowed statements are never retried.
	runLLM := func() stepState {
		state, prior := run(llmStep(nil))
		if state == stepExecFailed {
			repairState, _ := run(llmStep(prior))
			return repairState
		}
		if state == stepTranslateFailed && req.Strategy == StrategyLLMOnly && out.Failure != KindCredentialsMissing {
			repairState, _ := run(llmStep(&PriorError{Message: out.Reason}))
			return repairState
		}
		return state
	}

	// runRule runs rule extraction; on an execution error it retries exactly
	// once in simplified mode.
	runRule := func() stepState {
		state, _ := run(ruleStep)
		if state != stepExecFailed {
			return state
		}
		simplifiedState, _ := run(ruleSimplifiedStep)
		return simplifiedState
	}

	switch req.Strategy {
	case StrategyRuleOnly:
		runRule()
	case StrategyLLMOnly:
		runLLM()
	case StrategyRuleFirst:
		if state := runRule(); state != stepDone && state != stepFatal {
			runLLM()
		}
	case StrategyLLMFirst:
		if state := runLLM(); state != stepDone && state != stepFatal {
			runRule()
		}
	default:
		return Outcome{
			Failure: KindNoRuleMatch,
			Reason:  fmt.Sprintf("unknown strategy %q", req.Strategy),
		}
	}

	return *out
}

func (o *Orchestrator) record(out *Outcome, step string, kind FailureKind, reason string) {
	observability.ObserveTranslationAttempt(step, string(kind))
	out.Trace = append(out.Trace, Attempt{Step: step, Failure: kind, Note: reason})
	out.Failure = kind
	out.Reason = reason
}
