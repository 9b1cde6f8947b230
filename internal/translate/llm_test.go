package translate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/patentql/patentql/internal/model"
	"github.com/patentql/patentql/internal/schema"
)

type fakeInvoker struct {
	completions []string
	err         error
	calls       []model.Prompt
	models      []string
}

func (f *fakeInvoker) Invoke(_ context.Context, modelID string, prompt model.Prompt) (string, error) {
	f.calls = append(f.calls, prompt)
	f.models = append(f.models, modelID)
	if f.err != nil {
		return "", f.err
	}
	idx := len(f.calls) - 1
	if idx >= len(f.completions) {
		idx = len(f.completions) - 1
	}
	return f.completions[idx], nil
}

func TestLLMTranslateStripsFences(t *testing.T) {
	invoker := &fakeInvoker{completions: []string{"```sql\nSELECT * FROM inpit_data LIMIT 10;\n```"}}
	translator := NewLLMTranslator(invoker, LLMConfig{ModelID: "m", Enabled: true})

	res := translator.Translate(context.Background(), Request{Question: "latest patents", Database: "inpit"}, inpitSnapshot(), nil)
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if res.SQL != "SELECT * FROM inpit_data LIMIT 10" {
		t.Fatalf("SQL = %q", res.SQL)
	}
	if res.Step != StepLLM {
		t.Fatalf("Step = %q, want %q", res.Step, StepLLM)
	}
	if got := invoker.calls[0].Temperature; got != 0.0 {
		t.Fatalf("primary temperature = %v, want 0", got)
	}
}

func TestLLMTranslateDisabledReturnsCredentialsMissing(t *testing.T) {
	translator := NewLLMTranslator(&fakeInvoker{completions: []string{"SELECT 1"}}, LLMConfig{ModelID: "m", Enabled: false})
	res := translator.Translate(context.Background(), Request{Question: "q", Database: "inpit"}, inpitSnapshot(), nil)
	if res.Failure != KindCredentialsMissing {
		t.Fatalf("Failure = %q, want %q", res.Failure, KindCredentialsMissing)
	}
}

func TestLLMTranslateNilInvokerReturnsCredentialsMissing(t *testing.T) {
	translator := NewLLMTranslator(nil, LLMConfig{ModelID: "m", Enabled: true})
	res := translator.Translate(context.Background(), Request{Question: "q", Database: "inpit"}, inpitSnapshot(), nil)
	if res.Failure != KindCredentialsMissing {
		t.Fatalf("Failure = %q, want %q", res.Failure, KindCredentialsMissing)
	}
}

func TestLLMTranslateRejectsNonSelectOutput(t *testing.T) {
	invoker := &fakeInvoker{completions: []string{"DROP TABLE inpit_data"}}
	translator := NewLLMTranslator(invoker, LLMConfig{ModelID: "m", Enabled: true})
	res := translator.Translate(context.Background(), Request{Question: "q", Database: "inpit"}, inpitSnapshot(), nil)
	if res.Failure != KindInvalidGeneration {
		t.Fatalf("Failure = %q, want %q", res.Failure, KindInvalidGeneration)
	}
}

func TestLLMTranslateInvokeErrorIsUpstream(t *testing.T) {
	invoker := &fakeInvoker{err: errors.New("throttled")}
	translator := NewLLMTranslator(invoker, LLMConfig{ModelID: "m", Enabled: true})
	res := translator.Translate(context.Background(), Request{Question: "q", Database: "inpit"}, inpitSnapshot(), nil)
	if res.Failure != KindUpstreamUnavailable {
		t.Fatalf("Failure = %q, want %q", res.Failure, KindUpstreamUnavailable)
	}
}

func TestLLMTranslateRepairPromptCarriesPriorError(t *testing.T) {
	invoker := &fakeInvoker{completions: []string{"SELECT fixed FROM inpit_data"}}
	translator := NewLLMTranslator(invoker, LLMConfig{ModelID: "m", Enabled: true})

	prior := &PriorError{SQL: "SELECT bogus FROM nowhere", Message: "no such table: nowhere"}
	res := translator.Translate(context.Background(), Request{Question: "q", Database: "inpit"}, inpitSnapshot(), prior)
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if res.Step != StepLLMRepair {
		t.Fatalf("Step = %q, want %q", res.Step, StepLLMRepair)
	}
	if got := invoker.calls[0].Temperature; got != 0.2 {
		t.Fatalf("repair temperature = %v, want 0.2", got)
	}
	prompt := invoker.calls[0].User
	if !strings.Contains(prompt, "SELECT bogus FROM nowhere") {
		t.Fatalf("prompt missing prior SQL:\n%s", prompt)
	}
	if !strings.Contains(prompt, "no such table: nowhere") {
		t.Fatalf("prompt missing database error:\n%s", prompt)
	}
}

func TestBuildTranslationPromptOmitsPriorSQLWhenAbsent(t *testing.T) {
	prior := &PriorError{Message: "model output does not begin with SELECT or WITH"}
	prompt := buildTranslationPrompt(Request{Question: "q", Database: "inpit"}, inpitSnapshot(), prior)
	if strings.Contains(prompt, "Previous SQL") {
		t.Fatalf("prompt should not carry an empty SQL block:\n%s", prompt)
	}
	if !strings.Contains(prompt, "model output does not begin with SELECT or WITH") {
		t.Fatalf("prompt missing failure reason:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Return a corrected statement") {
		t.Fatalf("prompt missing correction request:\n%s", prompt)
	}
}

func TestBuildTranslationPromptSkipsLimitAdviceForAggregates(t *testing.T) {
	plain := buildTranslationPrompt(Request{Question: "list battery patents", Database: "inpit"}, inpitSnapshot(), nil)
	if !strings.Contains(plain, "LIMIT 10") {
		t.Fatalf("expected limit advice for plain question:\n%s", plain)
	}
	aggregate := buildTranslationPrompt(Request{Question: "how many battery patents are there", Database: "inpit"}, inpitSnapshot(), nil)
	if strings.Contains(aggregate, "LIMIT 10") {
		t.Fatalf("limit advice should be dropped for aggregates:\n%s", aggregate)
	}
	japaneseAggregate := buildTranslationPrompt(Request{Question: "電池の特許は何件ありますか", Database: "inpit"}, inpitSnapshot(), nil)
	if strings.Contains(japaneseAggregate, "LIMIT 10") {
		t.Fatalf("limit advice should be dropped for Japanese aggregates:\n%s", japaneseAggregate)
	}
}

func TestRenderSchemaSkipsUnpopulatedTables(t *testing.T) {
	snap := inpitSnapshot()
	snap.Tables = append(snap.Tables, schema.Table{Name: "broken_table"})
	snap.DisplayNames = map[string]string{"applicant_name": "出願人"}

	rendered := RenderSchema(snap)
	if strings.Contains(rendered, "broken_table") {
		t.Fatalf("unpopulated table should be omitted:\n%s", rendered)
	}
	if !strings.Contains(rendered, "Table inpit_data (1000 rows)") {
		t.Fatalf("table header missing:\n%s", rendered)
	}
	if !strings.Contains(rendered, "applicant_name TEXT -- 出願人") {
		t.Fatalf("display label missing:\n%s", rendered)
	}
}

func TestSanitizeSQL(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"SELECT 1;", "SELECT 1"},
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```sqlite\nSELECT 1;\n```", "SELECT 1"},
		{"  SELECT 1  ", "SELECT 1"},
		{"```\nWITH t AS (SELECT 1) SELECT * FROM t;\n```", "WITH t AS (SELECT 1) SELECT * FROM t"},
	}
	for _, tc := range cases {
		if got := SanitizeSQL(tc.raw); got != tc.want {
			t.Fatalf("SanitizeSQL(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
