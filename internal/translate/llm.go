package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/patentql/patentql/internal/model"
	"github.com/patentql/patentql/internal/schema"
)

const (
	llmPrimaryTemperature = 0.0
	llmRepairTemperature  = 0.2

	llmSystemDirective = "You are an expert SQLite engineer. " +
		"Convert the user's question into exactly one SQLite SELECT statement against the described schema. " +
		"Return ONLY SQL. No prose, no markdown, no explanation."
)

// PriorError carries the failed SQL and the database's error message into a
// repair invocation.
type PriorError struct {
	SQL     string
	Message string
}

// LLMTranslator renders the schema snapshot into a prompt and asks the model
// for a SELECT statement. It performs no semantic validation beyond the
// SELECT/WITH prefix check; the executor owns the rest.
type LLMTranslator struct {
	invoker   model.Invoker
	modelID   string
	maxTokens int
	enabled   bool
}

type LLMConfig struct {
	ModelID   string
	MaxTokens int
	// Enabled gates model use on credential validity. When false every
	// call degrades to CredentialsMissing instead of raising.
	Enabled bool
}

func NewLLMTranslator(invoker model.Invoker, cfg LLMConfig) *LLMTranslator {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return &LLMTranslator{
		invoker:   invoker,
		modelID:   cfg.ModelID,
		maxTokens: maxTokens,
		enabled:   cfg.Enabled && invoker != nil,
	}
}

func (t *LLMTranslator) Translate(ctx context.Context, req Request, snap schema.Snapshot, prior *PriorError) Result {
	step := StepLLM
	temperature := llmPrimaryTemperature
	if prior != nil {
		step = StepLLMRepair
		temperature = llmRepairTemperature
	}
	if !t.enabled {
		return failure(step, KindCredentialsMissing, "model credentials are not configured")
	}

	completion, err := t.invoker.Invoke(ctx, t.modelID, model.Prompt{
		System:      llmSystemDirective,
		User:        buildTranslationPrompt(req, snap, prior),
		Temperature: temperature,
		MaxTokens:   t.maxTokens,
	})
	if err != nil {
		return failure(step, KindUpstreamUnavailable, fmt.Sprintf("model invocation failed: %v", err))
	}

	sql := SanitizeSQL(completion)
	if sql == "" {
		return failure(step, KindInvalidGeneration, "model returned empty SQL")
	}
	normalized := strings.ToLower(sql)
	if !strings.HasPrefix(normalized, "select") && !strings.HasPrefix(normalized, "with") {
		return failure(step, KindInvalidGeneration, "model output does not begin with SELECT or WITH")
	}
	return Result{SQL: sql, Step: step, Notes: []string{"model: " + t.modelID}}
}

func buildTranslationPrompt(req Request, snap schema.Snapshot, prior *PriorError) string {
	var b strings.Builder
	b.WriteString("Database: ")
	b.WriteString(req.Database)
	b.WriteString(" (SQLite)\n\n")
	b.WriteString(RenderSchema(snap))
	b.WriteString("\nQuestion:\n")
	b.WriteString(strings.TrimSpace(req.Question))
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Use only the listed tables and columns.\n")
	b.WriteString("- Use physical column names, never display labels.\n")
	if !startsAggregate(req.Question) {
		b.WriteString("- Add LIMIT 10 unless the question asks for a different count.\n")
	}
	b.WriteString("- Output a single SELECT statement only.\n")

	if prior != nil {
		b.WriteString("\nThe previous attempt failed.\n")
		if prior.SQL != "" {
			b.WriteString("Previous SQL:\n")
			b.WriteString(prior.SQL)
			b.WriteString("\n")
		}
		b.WriteString("Error:\n")
		b.WriteString(prior.Message)
		b.WriteString("\nReturn a corrected statement.\n")
	}
	return b.String()
}

// RenderSchema formats a snapshot as the text block used in prompts: tables,
// columns with type and display label, row counts, and sample rows.
func RenderSchema(snap schema.Snapshot) string {
	var b strings.Builder
	b.WriteString("Schema:\n")
	for _, table := range snap.Tables {
		if !table.Populated() {
			continue
		}
		fmt.Fprintf(&b, "Table %s (%d rows)\n", table.Name, table.RowCount)
		for _, column := range table.Columns {
			fmt.Fprintf(&b, "  %s %s", column.Name, column.DeclaredType)
			if label := snap.DisplayName(column.Name); label != column.Name {
				fmt.Fprintf(&b, " -- %s", label)
			}
			b.WriteString("\n")
		}
		for idx, row := range table.SampleRows {
			fmt.Fprintf(&b, "  sample[%d]: %v\n", idx, row)
		}
	}
	return b.String()
}

// SanitizeSQL strips surrounding code fences and trailing semicolons from a
// model completion.
func SanitizeSQL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```sqlite")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, ";")
	return strings.TrimSpace(trimmed)
}

// startsAggregate is a best-effort check for questions asking for a single
// aggregate figure, where advising a LIMIT would be spurious.
func startsAggregate(question string) bool {
	lowered := strings.ToLower(question)
	for _, marker := range []string{"how many", "count", "平均", "average", "合計", "total", "何件"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
