package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/patentql/patentql/internal/dbservice"
)

var (
	ErrUnknownDatabase = errors.New("unknown database")
	ErrEmptySchema     = errors.New("schema introspection returned no tables")
)

// QueryClient is the slice of the database service client introspection needs.
type QueryClient interface {
	Health(ctx context.Context) error
	Status(ctx context.Context) (map[string]dbservice.DatabaseStatus, error)
	Query(ctx context.Context, dbType, sqlText string) (dbservice.QueryResult, error)
}

type IntrospectorConfig struct {
	SampleRows    int
	RetryAttempts int
	RetryInterval time.Duration
	DisplayMapDir string
}

type Introspector struct {
	client        QueryClient
	sampleRows    int
	retryAttempts int
	retryInterval time.Duration
	displayMapDir string
	logger        *slog.Logger
}

func NewIntrospector(client QueryClient, cfg IntrospectorConfig, logger *slog.Logger) *Introspector {
	sampleRows := cfg.SampleRows
	if sampleRows <= 0 || sampleRows > 5 {
		sampleRows = 5
	}
	retryAttempts := cfg.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = 5
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 3 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Introspector{
		client:        client,
		sampleRows:    sampleRows,
		retryAttempts: retryAttempts,
		retryInterval: retryInterval,
		displayMapDir: cfg.DisplayMapDir,
		logger:        logger,
	}
}

// Snapshot introspects one database. The health probe and the status fetch
// share the retry budget to absorb startup races and transient transport
// failures; per-table failures degrade to empty entries instead of aborting
// the snapshot.
func (i *Introspector) Snapshot(ctx context.Context, selector string) (Snapshot, error) {
	databases, err := i.waitReady(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	status, ok := databases[selector]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownDatabase, selector)
	}
	if len(status.Tables) == 0 {
		return Snapshot{}, fmt.Errorf("%w: database %q", ErrEmptySchema, selector)
	}

	snapshot := Snapshot{
		Database:     selector,
		Tables:       make([]Table, 0, len(status.Tables)),
		DisplayNames: i.loadDisplayNames(selector),
		TakenAt:      time.Now().UTC(),
	}
	for _, tableName := range status.Tables {
		table, err := i.introspectTable(ctx, selector, tableName)
		if err != nil {
			i.logger.WarnContext(ctx, "table introspection failed",
				slog.String("database", selector),
				slog.String("table", tableName),
				slog.Any("error", err),
			)
			snapshot.Tables = append(snapshot.Tables, Table{Name: tableName})
			continue
		}
		snapshot.Tables = append(snapshot.Tables, table)
	}
	if !snapshot.Usable() {
		return Snapshot{}, fmt.Errorf("%w: database %q", ErrEmptySchema, selector)
	}
	return snapshot, nil
}

// waitReady polls the service until both the health probe and the status
// endpoint answer, so a flaky transport during either roundtrip consumes the
// retry budget instead of failing the snapshot outright.
func (i *Introspector) waitReady(ctx context.Context) (map[string]dbservice.DatabaseStatus, error) {
	var lastErr error
	for attempt := 1; attempt <= i.retryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(i.retryInterval):
			}
		}
		if err := i.client.Health(ctx); err != nil {
			lastErr = err
			continue
		}
		databases, err := i.client.Status(ctx)
		if err == nil {
			return databases, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("database service not ready after %d attempts: %w", i.retryAttempts, lastErr)
}

func (i *Introspector) introspectTable(ctx context.Context, selector, tableName string) (Table, error) {
	// pragma_table_info is reachable through the SELECT-only endpoint,
	// unlike the bare PRAGMA statement.
	infoSQL := "SELECT name, type, \"notnull\", dflt_value, pk FROM pragma_table_info(" + quoteLiteral(tableName) + ")"
	info, err := i.client.Query(ctx, selector, infoSQL)
	if err != nil {
		return Table{}, fmt.Errorf("table info: %w", err)
	}

	table := Table{Name: tableName, Columns: make([]Column, 0, len(info.Rows))}
	for _, row := range info.Rows {
		if len(row) < 5 {
			continue
		}
		table.Columns = append(table.Columns, Column{
			Name:         asString(row[0]),
			DeclaredType: asString(row[1]),
			Nullable:     !asBool(row[2]),
			PrimaryKey:   asBool(row[4]),
			Default:      asString(row[3]),
		})
	}
	if len(table.Columns) == 0 {
		return Table{}, fmt.Errorf("no columns reported for %q", tableName)
	}

	countResult, err := i.client.Query(ctx, selector, "SELECT COUNT(*) FROM "+quoteIdent(tableName))
	if err == nil && len(countResult.Rows) == 1 && len(countResult.Rows[0]) == 1 {
		table.RowCount = asInt64(countResult.Rows[0][0])
	}

	sample, err := i.client.Query(ctx, selector, "SELECT * FROM "+quoteIdent(tableName)+" LIMIT "+strconv.Itoa(i.sampleRows))
	if err == nil {
		table.SampleRows = sample.Rows
	}
	return table, nil
}

// loadDisplayNames reads the sanitised-header mapping persisted by CSV
// ingestion, when present. Absence is normal for databases that were not
// built from CSV.
func (i *Introspector) loadDisplayNames(selector string) map[string]string {
	if i.displayMapDir == "" {
		return nil
	}
	path := filepath.Join(i.displayMapDir, selector+".columns.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var mapping map[string]string
	if err := json.Unmarshal(raw, &mapping); err != nil {
		i.logger.Warn("invalid display-name map", slog.String("path", path), slog.Any("error", err))
		return nil
	}
	return mapping
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func asString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func asBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int64:
		return v != 0
	case string:
		return v == "1" || strings.EqualFold(v, "true")
	default:
		return false
	}
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
