package translate

import (
	"strings"
	"testing"

	"github.com/patentql/patentql/internal/config"
	"github.com/patentql/patentql/internal/schema"
)

func inpitDB() config.DatabaseConfig {
	return config.DefaultDatabases()["inpit"]
}

func inpitSnapshot() schema.Snapshot {
	return schema.Snapshot{
		Database: "inpit",
		Tables: []schema.Table{{
			Name: "inpit_data",
			Columns: []schema.Column{
				{Name: "applicant_name", DeclaredType: "TEXT"},
				{Name: "filing_date", DeclaredType: "TEXT"},
				{Name: "title", DeclaredType: "TEXT"},
			},
			RowCount: 1000,
		}},
	}
}

func TestTranslateJapaneseApplicantYearAndCount(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: "トヨタの2020年の特許を5件教えて", Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	want := "SELECT * FROM inpit_data WHERE strftime('%Y', filing_date) = '2020' AND applicant_name LIKE '%トヨタ%' ORDER BY filing_date DESC LIMIT 5"
	if res.SQL != want {
		t.Fatalf("SQL = %q, want %q", res.SQL, want)
	}
	if res.Step != StepRule {
		t.Fatalf("Step = %q, want %q", res.Step, StepRule)
	}
}

func TestTranslateEnglishClassificationAndYearRange(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: "show 3 patents with G06N filed after 2018", Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	want := "SELECT * FROM inpit_data WHERE strftime('%Y', filing_date) >= '2018' AND ipc_code LIKE '%G06N%' ORDER BY filing_date DESC LIMIT 3"
	if res.SQL != want {
		t.Fatalf("SQL = %q, want %q", res.SQL, want)
	}
}

func TestTranslateFoldsFullWidthDigits(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: "ソニーの２０２０年の特許を５件教えて", Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if !strings.Contains(res.SQL, "= '2020'") {
		t.Fatalf("year not folded: %q", res.SQL)
	}
	if !strings.HasSuffix(res.SQL, "LIMIT 5") {
		t.Fatalf("limit not folded: %q", res.SQL)
	}
	if !strings.Contains(res.SQL, "applicant_name LIKE '%ソニー%'") {
		t.Fatalf("applicant missing: %q", res.SQL)
	}
}

func TestTranslateQuotedApplicantNotDuplicatedAsFreeText(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: "「ソニー」の特許を教えて", Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if !strings.Contains(res.SQL, "applicant_name LIKE '%ソニー%'") {
		t.Fatalf("applicant missing: %q", res.SQL)
	}
	if strings.Contains(res.SQL, "title LIKE '%ソニー%'") {
		t.Fatalf("quoted applicant re-added as free text: %q", res.SQL)
	}
}

func TestTranslateTechnologyTermExcludedFromApplicants(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: "人工知能の特許を教えて", Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if strings.Contains(res.SQL, "applicant_name LIKE '%人工知能%'") {
		t.Fatalf("technology term treated as applicant: %q", res.SQL)
	}
	if !strings.Contains(res.SQL, "(title LIKE '%人工知能%' OR abstract LIKE '%人工知能%')") {
		t.Fatalf("technology conjunct missing: %q", res.SQL)
	}
}

func TestTranslateEnglishInventor(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: "patents invented by Tanaka", Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if !strings.Contains(res.SQL, "inventor_name LIKE '%Tanaka%'") {
		t.Fatalf("inventor conjunct missing: %q", res.SQL)
	}
}

func TestTranslateJapaneseApplicationNumber(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: "特願2023-123456の書誌を教えて", Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if !strings.Contains(res.SQL, "application_number LIKE '%2023-123456%'") {
		t.Fatalf("application number conjunct missing: %q", res.SQL)
	}
	if strings.Contains(res.SQL, "applicant_name") {
		t.Fatalf("number fragment leaked into applicant rule: %q", res.SQL)
	}
}

func TestTranslateOldestFirstOrdersAscending(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: "最も古い半導体の特許", Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if !strings.Contains(res.SQL, "ORDER BY filing_date ASC") {
		t.Fatalf("expected ascending order: %q", res.SQL)
	}
}

func TestTranslateNoRuleMatch(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: "hello there", Database: "inpit"}, inpitSnapshot())
	if res.OK() {
		t.Fatalf("expected failure, got SQL %q", res.SQL)
	}
	if res.Failure != KindNoRuleMatch {
		t.Fatalf("Failure = %q, want %q", res.Failure, KindNoRuleMatch)
	}
}

func TestExtractLimitClamping(t *testing.T) {
	cases := []struct {
		question string
		want     int
	}{
		{"人工知能の特許を200件表示", 100},
		{"人工知能の特許を0件表示", 1},
		{"人工知能の特許を25件表示", 25},
		{"人工知能の特許", 10},
	}
	for _, tc := range cases {
		if got := extractLimit(tc.question); got != tc.want {
			t.Fatalf("extractLimit(%q) = %d, want %d", tc.question, got, tc.want)
		}
	}
}

func TestTranslateSimplifiedKeepsLongestTokens(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.TranslateSimplified(Request{Question: "find novel catalysts for ammonia synthesis", Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("TranslateSimplified failed: %s %s", res.Failure, res.Reason)
	}
	if res.Step != StepRuleSimplified {
		t.Fatalf("Step = %q, want %q", res.Step, StepRuleSimplified)
	}
	for _, token := range []string{"catalysts", "synthesis", "ammonia"} {
		if !strings.Contains(res.SQL, "title LIKE '%"+token+"%'") {
			t.Fatalf("token %q missing from SQL: %q", token, res.SQL)
		}
	}
	if strings.Contains(res.SQL, "'%find%'") || strings.Contains(res.SQL, "'%for%'") {
		t.Fatalf("stopword leaked into simplified SQL: %q", res.SQL)
	}
	if count := strings.Count(res.SQL, " OR "); count != 8 {
		t.Fatalf("disjunct count = %d, want 8 (%q)", count+1, res.SQL)
	}
}

func TestTranslateSimplifiedNoSignificantTokens(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.TranslateSimplified(Request{Question: "特許を検索して", Database: "inpit"}, inpitSnapshot())
	if res.OK() {
		t.Fatalf("expected failure, got SQL %q", res.SQL)
	}
	if res.Failure != KindNoRuleMatch {
		t.Fatalf("Failure = %q, want %q", res.Failure, KindNoRuleMatch)
	}
}

func TestTranslateEscapesSingleQuotes(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	res := translator.Translate(Request{Question: `find patents with "O'Neill valve"`, Database: "inpit"}, inpitSnapshot())
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if !strings.Contains(res.SQL, "O''Neill valve") {
		t.Fatalf("quote not escaped: %q", res.SQL)
	}
}

func TestTargetTableFallsBackToPopulatedTable(t *testing.T) {
	translator := NewRuleTranslator(inpitDB())
	snap := schema.Snapshot{
		Database: "inpit",
		Tables: []schema.Table{
			{Name: "inpit_data"},
			{Name: "inpit_records", Columns: []schema.Column{{Name: "title"}}},
		},
	}
	res := translator.Translate(Request{Question: "人工知能の特許", Database: "inpit"}, snap)
	if !res.OK() {
		t.Fatalf("Translate failed: %s %s", res.Failure, res.Reason)
	}
	if !strings.Contains(res.SQL, "FROM inpit_data ") {
		t.Fatalf("expected configured table when listed: %q", res.SQL)
	}
}
