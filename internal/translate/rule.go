package translate

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/width"

	"github.com/patentql/patentql/internal/config"
	"github.com/patentql/patentql/internal/schema"
)

const (
	defaultLimit = 10
	minLimit     = 1
	maxLimit     = 100
)

var (
	yearBetweenJP = regexp.MustCompile(`(\d{4})年?\s*から\s*(\d{4})年?`)
	yearBetweenEN = regexp.MustCompile(`(?i)between\s+(\d{4})\s+and\s+(\d{4})`)
	yearAfterJP   = regexp.MustCompile(`(\d{4})年?(?:以降|以後|より後)`)
	yearAfterEN   = regexp.MustCompile(`(?i)(?:after|since)\s+(\d{4})`)
	yearBeforeJP  = regexp.MustCompile(`(\d{4})年?(?:以前|より前|まで)`)
	yearBeforeEN  = regexp.MustCompile(`(?i)before\s+(\d{4})`)
	yearExactJP   = regexp.MustCompile(`(\d{4})年`)
	yearExactEN   = regexp.MustCompile(`(?i)\bin\s+(\d{4})\b`)

	// Hiragana is deliberately absent from the name classes so particles
	// such as の terminate the capture instead of being swallowed by it.
	possessiveJP = regexp.MustCompile(`([\p{Han}\p{Katakana}\p{Latin}\p{N}ー・]+)(?:の|による|が出願した)`)
	corporateJP  = regexp.MustCompile(`((?:株式会社|有限会社|合同会社)[\p{Han}\p{Katakana}\p{Latin}\p{N}ー・]+|[\p{Han}\p{Katakana}\p{Latin}\p{N}ー・]+(?:株式会社|有限会社|合同会社))`)
	applicantEN  = regexp.MustCompile(`(?i)(?:filed\s+by|applicant(?:\s+is)?|assigned\s+to|assignee(?:\s+is)?)\s+([A-Za-z][\w&.\-]*(?:\s+[A-Za-z][\w&.\-]*){0,3})`)
	corporateEN  = regexp.MustCompile(`\b([A-Z][\w&.\-]*(?:\s+[A-Z][\w&.\-]*){0,3}\s+(?:Inc|Corp|Corporation|Ltd|LLC|GmbH|KK|Co)\.?)(?:\b|$)`)

	inventorJP = regexp.MustCompile(`発明者(?:は|が|の)?\s*([\p{Han}\p{Katakana}\p{Hiragana}\p{Latin}\p{N}ー・\s]+?)(?:の|が|は|を|$|[、。\s])`)
	inventorEN = regexp.MustCompile(`(?i)(?:invented\s+by|inventor(?:\s+is)?)\s+([A-Za-z][A-Za-z.\-]*(?:\s+[A-Za-z][A-Za-z.\-]*){0,2})`)

	classificationPattern = regexp.MustCompile(`(?i)\b([A-H]\d{2}[A-Z](?:\d{1,6}(?:/\d{2,6})?)?)\b`)

	appNumberJP = regexp.MustCompile(`特願\s*(\d{4})\s*[-ー−]\s*(\d+)`)
	pubNumberJP = regexp.MustCompile(`特開\s*(\d{4})\s*[-ー−]\s*(\d+)`)
	appNumberEN = regexp.MustCompile(`(?i)application\s+(?:no\.?|number)\s*:?\s*([A-Z]{0,2}\d[\d\-/]*)`)
	pubNumberEN = regexp.MustCompile(`(?i)publication\s+(?:no\.?|number)\s*:?\s*([A-Z]{0,2}\d[\d\-/]*)`)

	quotedASCII = regexp.MustCompile(`"([^"]+)"`)
	quotedJP    = regexp.MustCompile(`「([^」]+)」`)

	aboutJP = regexp.MustCompile(`([\p{Han}\p{Katakana}\p{Latin}\p{N}ー・]+)(?:について|に関する|に関連する|関連の)`)
	aboutEN = regexp.MustCompile(`(?i)(?:about|regarding|related\s+to|concerning)\s+([\w\s\-]+?)(?:[,.?!]|$)`)

	limitJP = regexp.MustCompile(`(\d+)\s*件`)
	limitEN = regexp.MustCompile(`(?i)(?:show|top|first|limit)\s+(\d+)|(\d+)\s+(?:results?|rows?|patents?|records?)`)

	sortDescPattern = regexp.MustCompile(`(?i)最新|新しい順?|直近|latest|newest|most\s+recent`)
	sortAscPattern  = regexp.MustCompile(`(?i)古い順?|最も古い|oldest|earliest`)

	hasYearToken = regexp.MustCompile(`\d{4}`)

	tokenSplitter = regexp.MustCompile(`[\s、。．，.!?！？:：;；"「」()（）]+|の|を|に(?:ついて)?|は|が|で|と|から|まで`)
)

// technologyTerms is the closed category-to-synonym dictionary for rule 6.
var technologyTerms = map[string][]string{
	"ai":            {"人工知能", "機械学習", "ディープラーニング", "深層学習", "ニューラルネットワーク", "artificial intelligence", "machine learning", "deep learning", "neural network"},
	"semiconductor": {"半導体", "集積回路", "semiconductor", "integrated circuit"},
	"battery":       {"電池", "バッテリー", "二次電池", "蓄電池", "battery", "secondary cell"},
	"autonomous":    {"自動運転", "自律走行", "autonomous driving", "self-driving"},
	"robot":         {"ロボット", "robot", "robotics"},
	"communication": {"通信", "無線", "5G", "wireless", "telecommunication"},
	"quantum":       {"量子", "quantum"},
	"bio":           {"バイオ", "遺伝子", "biotech", "gene", "genome"},
}

var stopwords = map[string]struct{}{
	"特許": {}, "出願": {}, "発明": {}, "情報": {}, "検索": {}, "結果": {}, "一覧": {},
	"データ": {}, "教えて": {}, "ください": {}, "表示": {}, "して": {}, "下さい": {},
	"最新": {}, "最近": {}, "すべて": {}, "全部": {}, "もの": {}, "こと": {},
	"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "on": {}, "for": {}, "to": {},
	"and": {}, "or": {}, "with": {}, "by": {}, "all": {}, "me": {}, "show": {},
	"find": {}, "search": {}, "list": {}, "get": {}, "give": {}, "patents": {},
	"patent": {}, "applications": {}, "application": {}, "results": {}, "data": {},
	"latest": {}, "newest": {}, "recent": {}, "about": {}, "related": {}, "please": {},
}

// RuleTranslator extracts entities from the question text with deterministic
// patterns and assembles a single SELECT over the database's primary table.
type RuleTranslator struct {
	db config.DatabaseConfig
}

func NewRuleTranslator(db config.DatabaseConfig) *RuleTranslator {
	return &RuleTranslator{db: db}
}

func (t *RuleTranslator) Translate(req Request, snap schema.Snapshot) Result {
	question := width.Fold.String(req.Question)
	table := t.targetTable(snap)

	var conjuncts []string
	var notes []string
	addConjunct := func(rule, conjunct string) {
		conjuncts = append(conjuncts, conjunct)
		notes = append(notes, rule+": "+conjunct)
	}

	consumedQuotes := map[string]struct{}{}

	// Rule 1: year/date ranges.
	if conjunct := t.extractYearRange(question); conjunct != "" {
		addConjunct("year", conjunct)
	}

	// Rule 2: applicants. Quoted names followed by an applicant marker are
	// consumed here so rule 7 does not re-add them as free text.
	for _, name := range t.extractApplicants(question, consumedQuotes) {
		addConjunct("applicant", fmt.Sprintf("%s LIKE '%%%s%%'", t.db.ApplicantColumn, escapeLike(name)))
	}

	// Rule 3: inventors.
	for _, name := range t.extractInventors(question) {
		addConjunct("inventor", fmt.Sprintf("%s LIKE '%%%s%%'", t.db.InventorColumn, escapeLike(name)))
	}

	// Rule 4: classification codes.
	if match := classificationPattern.FindStringSubmatch(question); match != nil {
		code := strings.ToUpper(match[1])
		addConjunct("classification", fmt.Sprintf("%s LIKE '%%%s%%'", t.db.ClassificationColumn, escapeLike(code)))
	}

	// Rule 5: application / publication numbers.
	for _, conjunct := range t.extractNumbers(question) {
		addConjunct("number", conjunct)
	}

	// Rule 6: technology-term dictionary.
	for _, term := range matchTechnologyTerms(question) {
		addConjunct("technology", t.textConjunct(term))
	}

	// Rule 7: quoted free text not already consumed as an applicant.
	for _, quoted := range extractQuotes(question) {
		if _, consumed := consumedQuotes[quoted]; consumed {
			continue
		}
		addConjunct("quoted", t.textConjunct(quoted))
	}

	// Rule 8: "about / related to" trailing phrases.
	for _, token := range t.extractAboutTokens(question) {
		addConjunct("about", t.textConjunct(token))
	}

	if len(conjuncts) == 0 {
		return failure(StepRule, KindNoRuleMatch, "no extraction rule matched the question")
	}

	limit := extractLimit(question)
	order := extractOrder(question)

	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s %s LIMIT %d",
		table, strings.Join(dedupe(conjuncts), " AND "), t.db.FilingDateColumn, order, limit)
	return Result{SQL: sql, Step: StepRule, Notes: notes}
}

// TranslateSimplified discards all extractions and keeps only the three
// longest non-stopword tokens, applied disjunctively across title, abstract
// and applicant columns. Used after an execution error on the full rule SQL.
func (t *RuleTranslator) TranslateSimplified(req Request, snap schema.Snapshot) Result {
	question := width.Fold.String(req.Question)
	tokens := significantTokens(question, 3)
	if len(tokens) == 0 {
		return failure(StepRuleSimplified, KindNoRuleMatch, "no significant tokens in the question")
	}

	disjuncts := make([]string, 0, len(tokens)*3)
	notes := make([]string, 0, len(tokens))
	for _, token := range tokens {
		escaped := escapeLike(token)
		disjuncts = append(disjuncts,
			fmt.Sprintf("%s LIKE '%%%s%%'", t.db.TitleColumn, escaped),
			fmt.Sprintf("%s LIKE '%%%s%%'", t.db.AbstractColumn, escaped),
			fmt.Sprintf("%s LIKE '%%%s%%'", t.db.ApplicantColumn, escaped),
		)
		notes = append(notes, "token: "+token)
	}

	sql := fmt.Sprintf("SELECT * FROM %s WHERE (%s) ORDER BY %s %s LIMIT %d",
		t.targetTable(snap), strings.Join(disjuncts, " OR "), t.db.FilingDateColumn, extractOrder(question), extractLimit(question))
	return Result{SQL: sql, Step: StepRuleSimplified, Notes: notes}
}

func (t *RuleTranslator) targetTable(snap schema.Snapshot) string {
	if _, ok := snap.Table(t.db.PrimaryTable); ok || len(snap.Tables) == 0 {
		return t.db.PrimaryTable
	}
	for _, table := range snap.Tables {
		if table.Populated() {
			return table.Name
		}
	}
	return t.db.PrimaryTable
}

func (t *RuleTranslator) extractYearRange(question string) string {
	dateExpr := fmt.Sprintf("strftime('%%Y', %s)", t.db.FilingDateColumn)
	if m := yearBetweenJP.FindStringSubmatch(question); m != nil {
		return fmt.Sprintf("%s >= '%s' AND %s <= '%s'", dateExpr, m[1], dateExpr, m[2])
	}
	if m := yearBetweenEN.FindStringSubmatch(question); m != nil {
		return fmt.Sprintf("%s >= '%s' AND %s <= '%s'", dateExpr, m[1], dateExpr, m[2])
	}
	if m := yearAfterJP.FindStringSubmatch(question); m != nil {
		return fmt.Sprintf("%s >= '%s'", dateExpr, m[1])
	}
	if m := yearAfterEN.FindStringSubmatch(question); m != nil {
		return fmt.Sprintf("%s >= '%s'", dateExpr, m[1])
	}
	if m := yearBeforeJP.FindStringSubmatch(question); m != nil {
		return fmt.Sprintf("%s <= '%s'", dateExpr, m[1])
	}
	if m := yearBeforeEN.FindStringSubmatch(question); m != nil {
		return fmt.Sprintf("%s <= '%s'", dateExpr, m[1])
	}
	if m := yearExactJP.FindStringSubmatch(question); m != nil {
		return fmt.Sprintf("%s = '%s'", dateExpr, m[1])
	}
	if m := yearExactEN.FindStringSubmatch(question); m != nil {
		return fmt.Sprintf("%s = '%s'", dateExpr, m[1])
	}
	return ""
}

func (t *RuleTranslator) extractApplicants(question string, consumedQuotes map[string]struct{}) []string {
	seen := map[string]struct{}{}
	var names []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || !isApplicantCandidate(name) {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for _, m := range corporateJP.FindAllStringSubmatch(question, -1) {
		add(m[1])
	}
	for _, m := range corporateEN.FindAllStringSubmatch(question, -1) {
		add(m[1])
	}
	for _, m := range applicantEN.FindAllStringSubmatch(question, -1) {
		add(m[1])
	}
	for _, quoted := range extractQuotes(question) {
		if strings.Contains(question, "「"+quoted+"」の") || strings.Contains(question, `"`+quoted+`" patents`) {
			consumedQuotes[quoted] = struct{}{}
			add(quoted)
		}
	}
	for _, m := range possessiveJP.FindAllStringSubmatch(question, -1) {
		add(m[1])
	}
	return names
}

func (t *RuleTranslator) extractInventors(question string) []string {
	var names []string
	if m := inventorJP.FindStringSubmatch(question); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			names = append(names, name)
		}
	}
	if m := inventorEN.FindStringSubmatch(question); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (t *RuleTranslator) extractNumbers(question string) []string {
	var conjuncts []string
	if m := appNumberJP.FindStringSubmatch(question); m != nil {
		conjuncts = append(conjuncts, fmt.Sprintf("%s LIKE '%%%s-%s%%'", t.db.ApplicationNumberColumn, m[1], m[2]))
	}
	if m := pubNumberJP.FindStringSubmatch(question); m != nil {
		conjuncts = append(conjuncts, fmt.Sprintf("%s LIKE '%%%s-%s%%'", t.db.PublicationNumberColumn, m[1], m[2]))
	}
	if m := appNumberEN.FindStringSubmatch(question); m != nil {
		conjuncts = append(conjuncts, fmt.Sprintf("%s LIKE '%%%s%%'", t.db.ApplicationNumberColumn, escapeLike(m[1])))
	}
	if m := pubNumberEN.FindStringSubmatch(question); m != nil {
		conjuncts = append(conjuncts, fmt.Sprintf("%s LIKE '%%%s%%'", t.db.PublicationNumberColumn, escapeLike(m[1])))
	}
	return conjuncts
}

func (t *RuleTranslator) extractAboutTokens(question string) []string {
	var tokens []string
	for _, m := range aboutJP.FindAllStringSubmatch(question, -1) {
		tokens = append(tokens, splitTokens(m[1])...)
	}
	for _, m := range aboutEN.FindAllStringSubmatch(question, -1) {
		tokens = append(tokens, splitTokens(m[1])...)
	}
	filtered := tokens[:0]
	for _, token := range tokens {
		if isStopword(token) || hasYearToken.MatchString(token) {
			continue
		}
		filtered = append(filtered, token)
	}
	return filtered
}

// textConjunct is the disjunctive title-or-abstract group kept parenthesised
// as produced.
func (t *RuleTranslator) textConjunct(term string) string {
	escaped := escapeLike(term)
	return fmt.Sprintf("(%s LIKE '%%%s%%' OR %s LIKE '%%%s%%')", t.db.TitleColumn, escaped, t.db.AbstractColumn, escaped)
}

func isApplicantCandidate(name string) bool {
	if hasYearToken.MatchString(name) {
		return false
	}
	if isStopword(name) {
		return false
	}
	if _, isTech := matchedTechnologyCategory(name); isTech {
		return false
	}
	return true
}

func matchTechnologyTerms(question string) []string {
	lowered := strings.ToLower(question)
	categories := make([]string, 0, len(technologyTerms))
	for category := range technologyTerms {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var matched []string
	for _, category := range categories {
		for _, synonym := range technologyTerms[category] {
			if strings.Contains(lowered, strings.ToLower(synonym)) {
				matched = append(matched, synonym)
				break
			}
		}
	}
	return matched
}

func matchedTechnologyCategory(token string) (string, bool) {
	lowered := strings.ToLower(token)
	for category, synonyms := range technologyTerms {
		for _, synonym := range synonyms {
			if strings.EqualFold(lowered, strings.ToLower(synonym)) {
				return category, true
			}
		}
	}
	return "", false
}

func extractQuotes(question string) []string {
	var quotes []string
	for _, m := range quotedASCII.FindAllStringSubmatch(question, -1) {
		quotes = append(quotes, strings.TrimSpace(m[1]))
	}
	for _, m := range quotedJP.FindAllStringSubmatch(question, -1) {
		quotes = append(quotes, strings.TrimSpace(m[1]))
	}
	return quotes
}

func extractLimit(question string) int {
	limit := defaultLimit
	if m := limitJP.FindStringSubmatch(question); m != nil {
		limit = atoiOr(m[1], defaultLimit)
	} else if m := limitEN.FindStringSubmatch(question); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		limit = atoiOr(raw, defaultLimit)
	}
	if limit < minLimit {
		return minLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func extractOrder(question string) string {
	if sortAscPattern.MatchString(question) {
		return "ASC"
	}
	if sortDescPattern.MatchString(question) {
		return "DESC"
	}
	return "DESC"
}

func significantTokens(question string, limit int) []string {
	tokens := splitTokens(question)
	seen := map[string]struct{}{}
	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if isStopword(token) || hasYearToken.MatchString(token) || len([]rune(token)) < 2 {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		filtered = append(filtered, token)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return len([]rune(filtered[i])) > len([]rune(filtered[j]))
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

func splitTokens(text string) []string {
	parts := tokenSplitter.Split(text, -1)
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			tokens = append(tokens, part)
		}
	}
	return tokens
}

func isStopword(token string) bool {
	_, ok := stopwords[strings.ToLower(token)]
	return ok
}

func dedupe(values []string) []string {
	seen := map[string]struct{}{}
	out := values[:0]
	for _, value := range values {
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func escapeLike(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

func atoiOr(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
