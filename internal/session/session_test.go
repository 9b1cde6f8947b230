package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/patentql/patentql/internal/config"
	"github.com/patentql/patentql/internal/dbservice"
	"github.com/patentql/patentql/internal/model"
	"github.com/patentql/patentql/internal/translate"
)

type fakeDBServer struct {
	server      *httptest.Server
	statusCalls atomic.Int64
	queryCalls  atomic.Int64
}

func newFakeDBServer(t *testing.T) *fakeDBServer {
	t.Helper()
	f := &fakeDBServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		f.statusCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"databases": map[string]any{
				"inpit": map[string]any{"tables": []string{"inpit_data"}, "record_count": 2, "ready": true},
			},
		})
	})
	mux.HandleFunc("POST /api/sql-query", func(w http.ResponseWriter, r *http.Request) {
		f.queryCalls.Add(1)
		var body struct {
			Query  string `json:"query"`
			DBType string `json:"db_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch {
		case strings.Contains(body.Query, "pragma_table_info"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"columns": []string{"name", "type", "notnull", "dflt_value", "pk"},
				"results": [][]any{
					{"applicant_name", "TEXT", 0, nil, 0},
					{"filing_date", "TEXT", 0, nil, 0},
					{"title", "TEXT", 0, nil, 0},
				},
				"record_count": 3,
			})
		case strings.Contains(body.Query, "COUNT(*)"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success":      true,
				"columns":      []string{"COUNT(*)"},
				"results":      [][]any{{2}},
				"record_count": 1,
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success":      true,
				"columns":      []string{"applicant_name", "filing_date", "title"},
				"results":      [][]any{{"トヨタ", "2020-05-01", "装置A"}, {"トヨタ", "2020-02-10", "装置B"}},
				"record_count": 2,
			})
		}
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

type fakeInvoker struct {
	completion string
	calls      atomic.Int64
}

func (f *fakeInvoker) Invoke(context.Context, string, model.Prompt) (string, error) {
	f.calls.Add(1)
	return f.completion, nil
}

func testConfig(t *testing.T, baseURL string, extra map[string]string) config.Config {
	t.Helper()
	values := map[string]string{
		"PATENTQL_PROFILE":        "test",
		"PATENTQL_DB_SERVICE_URL": baseURL,
	}
	for key, value := range extra {
		values[key] = value
	}
	cfg, err := config.Load("patentql-api", func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	})
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	cfg.Databases = map[string]config.DatabaseConfig{"inpit": config.DefaultDatabases()["inpit"]}
	return cfg
}

func newTestSession(t *testing.T, cfg config.Config, invoker model.Invoker) *Session {
	t.Helper()
	client, err := dbservice.New(dbservice.Config{BaseURL: cfg.DBService.BaseURL})
	if err != nil {
		t.Fatalf("client init failed: %v", err)
	}
	return New(cfg, Dependencies{Client: client, Invoker: invoker})
}

func TestProcessRulePathWithFallbackNarration(t *testing.T) {
	db := newFakeDBServer(t)
	session := newTestSession(t, testConfig(t, db.server.URL, nil), nil)

	response, err := session.Process(context.Background(), "トヨタの2020年の特許を5件教えて", "inpit", "")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if response.TranslatedBy != translate.StepRule {
		t.Fatalf("TranslatedBy = %q", response.TranslatedBy)
	}
	if !strings.Contains(response.SQL, "applicant_name LIKE '%トヨタ%'") {
		t.Fatalf("SQL = %q", response.SQL)
	}
	if response.Strategy != translate.StrategyRuleFirst {
		t.Fatalf("Strategy = %q", response.Strategy)
	}
	if response.Result.RowCount != 2 {
		t.Fatalf("Result.RowCount = %d", response.Result.RowCount)
	}
	if response.NarrationByModel {
		t.Fatal("NarrationByModel should be false without credentials")
	}
	if !strings.Contains(response.Narration, "検索結果は2件でした。") {
		t.Fatalf("Narration = %q", response.Narration)
	}
	if len(response.Trace) != 1 {
		t.Fatalf("Trace = %+v", response.Trace)
	}
}

func TestProcessNarratesWithModelWhenCredentialsPresent(t *testing.T) {
	db := newFakeDBServer(t)
	cfg := testConfig(t, db.server.URL, map[string]string{
		"AWS_ACCESS_KEY_ID":     "AKIAEXAMPLE",
		"AWS_SECRET_ACCESS_KEY": "secret",
		"AWS_DEFAULT_REGION":    "us-east-1",
	})
	invoker := &fakeInvoker{completion: "トヨタの2020年の特許は2件見つかりました。"}
	session := newTestSession(t, cfg, invoker)

	response, err := session.Process(context.Background(), "トヨタの2020年の特許を5件教えて", "inpit", "")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !response.NarrationByModel {
		t.Fatal("NarrationByModel should be true")
	}
	if response.Narration != "トヨタの2020年の特許は2件見つかりました。" {
		t.Fatalf("Narration = %q", response.Narration)
	}
	// Rule translation succeeded, so the model only ran for narration.
	if invoker.calls.Load() != 1 {
		t.Fatalf("invoker calls = %d, want 1", invoker.calls.Load())
	}
}

func TestProcessRejectsEmptyQuestion(t *testing.T) {
	db := newFakeDBServer(t)
	session := newTestSession(t, testConfig(t, db.server.URL, nil), nil)

	_, err := session.Process(context.Background(), "   ", "inpit", "")
	if err == nil {
		t.Fatal("expected error for empty question")
	}
	var processErr *ProcessError
	if errors.As(err, &processErr) {
		t.Fatalf("empty question should be a plain validation error, got %+v", processErr)
	}
}

func TestProcessUnknownDatabase(t *testing.T) {
	db := newFakeDBServer(t)
	session := newTestSession(t, testConfig(t, db.server.URL, nil), nil)

	_, err := session.Process(context.Background(), "2020年の特許", "mystery", "")
	var processErr *ProcessError
	if !errors.As(err, &processErr) {
		t.Fatalf("error = %v, want *ProcessError", err)
	}
	if processErr.Kind != translate.KindUnknownDatabase {
		t.Fatalf("Kind = %q", processErr.Kind)
	}
	if !strings.Contains(processErr.Message, "mystery") {
		t.Fatalf("Message = %q", processErr.Message)
	}
}

func TestProcessRejectsUnknownStrategy(t *testing.T) {
	db := newFakeDBServer(t)
	session := newTestSession(t, testConfig(t, db.server.URL, nil), nil)

	if _, err := session.Process(context.Background(), "2020年の特許", "inpit", "hybrid"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestProcessReusesCachedSnapshot(t *testing.T) {
	db := newFakeDBServer(t)
	session := newTestSession(t, testConfig(t, db.server.URL, nil), nil)

	if _, err := session.Process(context.Background(), "トヨタの2020年の特許", "inpit", ""); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	statusAfterFirst := db.statusCalls.Load()
	if _, err := session.Process(context.Background(), "ソニーの2021年の特許", "inpit", ""); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if db.statusCalls.Load() != statusAfterFirst {
		t.Fatalf("status calls grew from %d to %d; snapshot not cached", statusAfterFirst, db.statusCalls.Load())
	}
	if got := session.CachedDatabases(); len(got) != 1 || got[0] != "inpit" {
		t.Fatalf("CachedDatabases = %v", got)
	}
}

func TestProcessFailureKeepsCachedSnapshot(t *testing.T) {
	db := newFakeDBServer(t)
	session := newTestSession(t, testConfig(t, db.server.URL, nil), nil)

	if _, err := session.Process(context.Background(), "トヨタの2020年の特許", "inpit", ""); err != nil {
		t.Fatalf("warmup Process() error = %v", err)
	}
	statusAfterWarmup := db.statusCalls.Load()

	var processErr *ProcessError
	if _, err := session.Process(context.Background(), "hello there", "inpit", ""); !errors.As(err, &processErr) {
		t.Fatalf("error = %v, want *ProcessError", err)
	}
	if got := session.CachedDatabases(); len(got) != 1 || got[0] != "inpit" {
		t.Fatalf("CachedDatabases = %v; cascade failure must not evict the snapshot", got)
	}
	if _, err := session.Process(context.Background(), "トヨタの2020年の特許", "inpit", ""); err != nil {
		t.Fatalf("follow-up Process() error = %v", err)
	}
	if db.statusCalls.Load() != statusAfterWarmup {
		t.Fatalf("status calls grew from %d to %d; snapshot was re-introspected", statusAfterWarmup, db.statusCalls.Load())
	}
}

func TestProcessIsIdempotentForSameQuestion(t *testing.T) {
	db := newFakeDBServer(t)
	session := newTestSession(t, testConfig(t, db.server.URL, nil), nil)

	first, err := session.Process(context.Background(), "トヨタの2020年の特許を5件教えて", "inpit", "")
	if err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	second, err := session.Process(context.Background(), "トヨタの2020年の特許を5件教えて", "inpit", "")
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if first.SQL != second.SQL {
		t.Fatalf("SQL differs: %q vs %q", first.SQL, second.SQL)
	}
	if first.Narration != second.Narration {
		t.Fatalf("Narration differs: %q vs %q", first.Narration, second.Narration)
	}
}

func TestProcessConcurrentRequests(t *testing.T) {
	db := newFakeDBServer(t)
	session := newTestSession(t, testConfig(t, db.server.URL, nil), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := session.Process(context.Background(), "トヨタの2020年の特許", "inpit", ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Process() error = %v", err)
	}
}

func TestProcessUpstreamUnavailable(t *testing.T) {
	db := newFakeDBServer(t)
	cfg := testConfig(t, db.server.URL, nil)
	db.server.Close()
	session := newTestSession(t, cfg, nil)

	_, err := session.Process(context.Background(), "2020年の特許", "inpit", "")
	var processErr *ProcessError
	if !errors.As(err, &processErr) {
		t.Fatalf("error = %v, want *ProcessError", err)
	}
	if processErr.Kind != translate.KindUpstreamUnavailable {
		t.Fatalf("Kind = %q", processErr.Kind)
	}
}

func TestRefreshSchemas(t *testing.T) {
	db := newFakeDBServer(t)
	cfg := testConfig(t, db.server.URL, nil)
	cfg.Databases["missing"] = config.DatabaseConfig{Name: "missing", PrimaryTable: "missing_data"}
	session := newTestSession(t, cfg, nil)

	summary := session.RefreshSchemas(context.Background())
	if len(summary.Refreshed) != 1 || summary.Refreshed[0] != "inpit" {
		t.Fatalf("Refreshed = %v", summary.Refreshed)
	}
	if len(summary.Failed) != 1 || summary.Failed[0] != "missing" {
		t.Fatalf("Failed = %v", summary.Failed)
	}
}

func TestCredentialsStatus(t *testing.T) {
	db := newFakeDBServer(t)
	session := newTestSession(t, testConfig(t, db.server.URL, nil), nil)
	status := session.CredentialsStatus()
	if status.Configured {
		t.Fatal("Configured should be false without credentials")
	}

	withCreds := newTestSession(t, testConfig(t, db.server.URL, map[string]string{
		"AWS_ACCESS_KEY_ID":     "AKIAEXAMPLE",
		"AWS_SECRET_ACCESS_KEY": "secret",
		"AWS_DEFAULT_REGION":    "ap-northeast-1",
	}), nil)
	status = withCreds.CredentialsStatus()
	if !status.Configured {
		t.Fatal("Configured should be true")
	}
	if status.Region != "ap-northeast-1" {
		t.Fatalf("Region = %q", status.Region)
	}
}
