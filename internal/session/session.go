// Package session owns the lifecycle of the query core: per-database schema
// snapshots, credential gating, and the introspect/translate/execute/narrate
// pipeline behind the one public Process entry point.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/patentql/patentql/internal/config"
	"github.com/patentql/patentql/internal/dbservice"
	"github.com/patentql/patentql/internal/executor"
	"github.com/patentql/patentql/internal/model"
	"github.com/patentql/patentql/internal/narrate"
	"github.com/patentql/patentql/internal/observability"
	"github.com/patentql/patentql/internal/schema"
	"github.com/patentql/patentql/internal/translate"
)

// DatabaseClient is the slice of the database service client the session
// wires into its components.
type DatabaseClient interface {
	Health(ctx context.Context) error
	Status(ctx context.Context) (map[string]dbservice.DatabaseStatus, error)
	Query(ctx context.Context, dbType, sqlText string) (dbservice.QueryResult, error)
}

type Dependencies struct {
	Client  DatabaseClient
	Invoker model.Invoker
	Logger  *slog.Logger
}

type Session struct {
	cfg          config.Config
	introspector *schema.Introspector
	orchestrator *translate.Orchestrator
	executor     *executor.Executor
	narrator     *narrate.Narrator
	logger       *slog.Logger

	mu        sync.RWMutex
	snapshots map[string]schema.Snapshot
}

func New(cfg config.Config, deps Dependencies) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	credentialsValid := cfg.AI.CredentialsValid()
	llm := translate.NewLLMTranslator(deps.Invoker, translate.LLMConfig{
		ModelID:   cfg.AI.TranslatorModel,
		MaxTokens: cfg.AI.MaxOutputTokens,
		Enabled:   credentialsValid,
	})
	narrator := narrate.New(deps.Invoker, narrate.Config{
		ModelID: cfg.AI.NarratorModel,
		Enabled: credentialsValid,
	}, observability.WithComponent(logger, "narrate"))

	return &Session{
		cfg: cfg,
		introspector: schema.NewIntrospector(deps.Client, schema.IntrospectorConfig{
			SampleRows:    cfg.Schema.SampleRows,
			RetryAttempts: cfg.Schema.RetryAttempts,
			RetryInterval: cfg.Schema.RetryInterval,
			DisplayMapDir: cfg.Schema.DisplayMapDir,
		}, observability.WithComponent(logger, "schema")),
		orchestrator: translate.NewOrchestrator(cfg.Databases, llm, observability.WithComponent(logger, "translate")),
		executor:     executor.New(deps.Client, observability.WithComponent(logger, "executor")),
		narrator:     narrator,
		logger:       logger,
		snapshots:    map[string]schema.Snapshot{},
	}
}

// Response is the combined answer for one processed question.
type Response struct {
	Question         string              `json:"question"`
	Database         string              `json:"database"`
	Strategy         translate.Strategy  `json:"strategy"`
	SQL              string              `json:"sql"`
	TranslatedBy     string              `json:"translated_by"`
	Result           executor.Result     `json:"result"`
	Narration        string              `json:"narration"`
	NarrationByModel bool                `json:"narration_by_model"`
	Trace            []translate.Attempt `json:"trace"`
}

// ProcessError is a taxonomy-tagged failure carrying the attempt trace.
type ProcessError struct {
	Kind    translate.FailureKind
	Message string
	Trace   []translate.Attempt
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type CredentialsStatus struct {
	Configured bool   `json:"configured"`
	Region     string `json:"region,omitempty"`
}

type RefreshSummary struct {
	Refreshed []string `json:"refreshed"`
	Failed    []string `json:"failed"`
}

// Process answers one question against one database. Strategy defaults to
// rule_first when empty.
func (s *Session) Process(ctx context.Context, question, database, strategy string) (Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, errors.New("question must not be empty")
	}
	if _, ok := s.cfg.Databases[database]; !ok {
		return Response{}, &ProcessError{
			Kind:    translate.KindUnknownDatabase,
			Message: humanMessage(translate.KindUnknownDatabase, isJapanese(question), database),
		}
	}
	parsedStrategy, err := translate.ParseStrategy(strategy)
	if err != nil {
		return Response{}, err
	}

	snap, err := s.snapshotFor(ctx, database)
	if err != nil {
		kind := kindForSchemaError(err)
		return Response{}, &ProcessError{
			Kind:    kind,
			Message: humanMessage(kind, isJapanese(question), database),
		}
	}

	req := translate.Request{Question: question, Database: database, Strategy: parsedStrategy}
	outcome := s.orchestrator.Run(ctx, req, snap, func(ctx context.Context, sqlText string) (executor.Result, error) {
		return s.executor.Execute(ctx, sqlText, database, snap)
	})
	if !outcome.OK() {
		return Response{}, &ProcessError{
			Kind:    outcome.Failure,
			Message: humanMessage(outcome.Failure, isJapanese(question), database),
			Trace:   outcome.Trace,
		}
	}

	narration, byModel := s.narrator.Narrate(ctx, question, outcome.SQL, outcome.Execution)
	return Response{
		Question:         question,
		Database:         database,
		Strategy:         parsedStrategy,
		SQL:              outcome.SQL,
		TranslatedBy:     outcome.Step,
		Result:           outcome.Execution,
		Narration:        narration,
		NarrationByModel: byModel,
		Trace:            outcome.Trace,
	}, nil
}

// CredentialsStatus reports whether model credentials are configured. Rule
// translation stays available either way.
func (s *Session) CredentialsStatus() CredentialsStatus {
	status := CredentialsStatus{Configured: s.cfg.AI.CredentialsValid()}
	if status.Configured {
		status.Region = s.cfg.AI.Region
	}
	return status
}

// RefreshSchemas re-introspects every configured database, replacing cached
// snapshots wholesale on success.
func (s *Session) RefreshSchemas(ctx context.Context) RefreshSummary {
	selectors := make([]string, 0, len(s.cfg.Databases))
	for selector := range s.cfg.Databases {
		selectors = append(selectors, selector)
	}
	sort.Strings(selectors)

	var summary RefreshSummary
	for _, selector := range selectors {
		snap, err := s.introspector.Snapshot(ctx, selector)
		observability.ObserveSnapshotRefresh(err == nil)
		if err != nil {
			s.logger.WarnContext(ctx, "schema refresh failed",
				slog.String("database", selector),
				slog.Any("error", err),
			)
			summary.Failed = append(summary.Failed, selector)
			continue
		}
		s.store(selector, snap)
		summary.Refreshed = append(summary.Refreshed, selector)
	}
	return summary
}

func (s *Session) snapshotFor(ctx context.Context, selector string) (schema.Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[selector]
	s.mu.RUnlock()
	if ok && snap.Usable() {
		return snap, nil
	}

	snap, err := s.introspector.Snapshot(ctx, selector)
	if errors.Is(err, schema.ErrEmptySchema) {
		// One refresh to absorb a database that populated after the
		// first probe; then the failure is surfaced.
		snap, err = s.introspector.Snapshot(ctx, selector)
	}
	if err != nil {
		return schema.Snapshot{}, err
	}
	s.store(selector, snap)
	return snap, nil
}

func (s *Session) store(selector string, snap schema.Snapshot) {
	s.mu.Lock()
	s.snapshots[selector] = snap
	s.mu.Unlock()
}

// CachedDatabases lists selectors with a cached snapshot, for diagnostics.
func (s *Session) CachedDatabases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	selectors := make([]string, 0, len(s.snapshots))
	for selector := range s.snapshots {
		selectors = append(selectors, selector)
	}
	sort.Strings(selectors)
	return selectors
}

func kindForSchemaError(err error) translate.FailureKind {
	switch {
	case errors.Is(err, schema.ErrUnknownDatabase):
		return translate.KindUnknownDatabase
	case errors.Is(err, schema.ErrEmptySchema):
		return translate.KindEmptySchema
	default:
		return translate.KindUpstreamUnavailable
	}
}

func humanMessage(kind translate.FailureKind, japanese bool, database string) string {
	if japanese {
		switch kind {
		case translate.KindUnknownDatabase:
			return fmt.Sprintf("データベース %q は設定されていません。", database)
		case translate.KindUpstreamUnavailable:
			return "データベースサービスに接続できませんでした。しばらくしてから再試行してください。"
		case translate.KindEmptySchema:
			return fmt.Sprintf("データベース %q のスキーマを取得できませんでした。", database)
		case translate.KindCredentialsMissing:
			return "モデルの認証情報が設定されていないため、この操作は利用できません。"
		case translate.KindNoRuleMatch:
			return "質問からSQLを組み立てられませんでした。言い換えてお試しください。"
		case translate.KindInvalidGeneration, translate.KindDisallowedStatement:
			return "安全に実行できるSQLを生成できませんでした。"
		case translate.KindExecutionError:
			return "SQLの実行でエラーが発生しました。"
		default:
			return "リクエストを処理できませんでした。"
		}
	}
	switch kind {
	case translate.KindUnknownDatabase:
		return fmt.Sprintf("database %q is not configured", database)
	case translate.KindUpstreamUnavailable:
		return "the database service is unreachable; try again later"
	case translate.KindEmptySchema:
		return fmt.Sprintf("could not introspect the schema of database %q", database)
	case translate.KindCredentialsMissing:
		return "model credentials are not configured"
	case translate.KindNoRuleMatch:
		return "could not build SQL from the question; try rephrasing"
	case translate.KindInvalidGeneration, translate.KindDisallowedStatement:
		return "could not produce a safely executable statement"
	case translate.KindExecutionError:
		return "the generated SQL failed to execute"
	default:
		return "the request could not be processed"
	}
}

func isJapanese(text string) bool {
	for _, r := range text {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han) {
			return true
		}
	}
	return false
}
