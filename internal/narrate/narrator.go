// Package narrate summarises tabular query results as prose. Model failures
// degrade to a deterministic template so narration never fails a request.
package narrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/patentql/patentql/internal/executor"
	"github.com/patentql/patentql/internal/model"
	"github.com/patentql/patentql/internal/observability"
)

const (
	narrationTemperature = 0.3
	narrationMaxTokens   = 500
	// promptRowLimit caps the rows rendered into the prompt, below the
	// executor's own 20-row truncation.
	promptRowLimit = 10

	systemDirective = "あなたは特許データベースの検索結果を要約するアシスタントです。" +
		"質問に直接答える簡潔な日本語の要約を返してください。SQLを繰り返してはいけません。"
)

type Narrator struct {
	invoker model.Invoker
	modelID string
	enabled bool
	logger  *slog.Logger
}

type Config struct {
	ModelID string
	Enabled bool
}

func New(invoker model.Invoker, cfg Config, logger *slog.Logger) *Narrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Narrator{
		invoker: invoker,
		modelID: cfg.ModelID,
		enabled: cfg.Enabled && invoker != nil,
		logger:  logger,
	}
}

// Narrate returns the narration and whether the model produced it. When the
// model is gated off or fails, the deterministic fallback is returned with
// usedModel=false.
func (n *Narrator) Narrate(ctx context.Context, question, sqlText string, result executor.Result) (string, bool) {
	if !n.enabled {
		observability.IncrementNarrationFallback()
		return Fallback(result), false
	}

	completion, err := n.invoker.Invoke(ctx, n.modelID, model.Prompt{
		System:      systemDirective,
		User:        buildPrompt(question, sqlText, result),
		Temperature: narrationTemperature,
		MaxTokens:   narrationMaxTokens,
	})
	if err != nil {
		n.logger.WarnContext(ctx, "narration model failed, using fallback", slog.Any("error", err))
		observability.IncrementNarrationFallback()
		return Fallback(result), false
	}
	narration := strings.TrimSpace(completion)
	if narration == "" {
		observability.IncrementNarrationFallback()
		return Fallback(result), false
	}
	return narration, true
}

func buildPrompt(question, sqlText string, result executor.Result) string {
	var b strings.Builder
	b.WriteString("質問:\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\n実行したSQL:\n")
	b.WriteString(sqlText)
	fmt.Fprintf(&b, "\n\n総件数: %d\n", result.RowCount)
	if result.RowCount == 0 {
		b.WriteString("結果は0件でした。その旨を伝えてください。\n")
	} else {
		b.WriteString("\n結果(一部):\n")
		b.WriteString(renderTable(result))
		if result.RowCount > promptRowLimit {
			b.WriteString("(以降省略)\n")
		}
	}
	b.WriteString("\n件数に触れつつ、質問に直接答える要約を書いてください。\n")
	return b.String()
}

// renderTable renders up to promptRowLimit rows as a pipe-delimited table
// with a header row.
func renderTable(result executor.Result) string {
	var b strings.Builder
	b.WriteString("| ")
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteString(" |\n")

	rows := result.Rows
	if len(rows) > promptRowLimit {
		rows = rows[:promptRowLimit]
	}
	for _, row := range rows {
		b.WriteString("|")
		for _, column := range result.Columns {
			fmt.Fprintf(&b, " %v |", row[column])
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Fallback is the deterministic narration: the row count and, if present,
// the first row's values.
func Fallback(result executor.Result) string {
	if result.RowCount == 0 {
		return "該当する結果は見つかりませんでした。(0件)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "検索結果は%d件でした。", result.RowCount)
	if len(result.Rows) > 0 {
		b.WriteString(" 最初の結果: ")
		first := result.Rows[0]
		columns := result.Columns
		if len(columns) == 0 {
			columns = sortedKeys(first)
		}
		parts := make([]string, 0, len(columns))
		for _, column := range columns {
			parts = append(parts, fmt.Sprintf("%s=%v", column, first[column]))
		}
		b.WriteString(strings.Join(parts, ", "))
	}
	return b.String()
}

func sortedKeys(row map[string]any) []string {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
