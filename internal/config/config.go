package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	DBService     DBServiceConfig
	Schema        SchemaConfig
	AI            AIConfig
	Databases     map[string]DatabaseConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DBServiceConfig struct {
	BaseURL      string
	ProbeTimeout time.Duration
	ExecTimeout  time.Duration
}

type SchemaConfig struct {
	SampleRows    int
	RetryAttempts int
	RetryInterval time.Duration
	DisplayMapDir string
}

type AIConfig struct {
	TranslatorModel string
	NarratorModel   string
	EmbeddingModel  string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Timeout         time.Duration
	MaxOutputTokens int
}

// CredentialsValid is a presence check only; it never calls the model
// service. Present-but-wrong credentials surface later as invocation errors.
func (c AIConfig) CredentialsValid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Region != ""
}

// DatabaseConfig names the primary table and the column roles the rule
// translator emits SQL against. Physical names only; human labels come from
// the snapshot's display-name map.
type DatabaseConfig struct {
	Name                    string
	PrimaryTable            string
	FilingDateColumn        string
	ApplicantColumn         string
	InventorColumn          string
	ClassificationColumn    string
	TitleColumn             string
	AbstractColumn          string
	ApplicationNumberColumn string
	PublicationNumberColumn string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("PATENTQL_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid PATENTQL_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "PATENTQL_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "PATENTQL_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "PATENTQL_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "PATENTQL_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "PATENTQL_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "PATENTQL_DB_SERVICE_URL", &cfg.DBService.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "PATENTQL_DB_PROBE_TIMEOUT", &cfg.DBService.ProbeTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "PATENTQL_DB_EXEC_TIMEOUT", &cfg.DBService.ExecTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "PATENTQL_SCHEMA_SAMPLE_ROWS", &cfg.Schema.SampleRows); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "PATENTQL_SCHEMA_RETRY_ATTEMPTS", &cfg.Schema.RetryAttempts); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "PATENTQL_SCHEMA_RETRY_INTERVAL", &cfg.Schema.RetryInterval); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "PATENTQL_DISPLAY_MAP_DIR", &cfg.Schema.DisplayMapDir); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "PATENTQL_TRANSLATOR_MODEL", &cfg.AI.TranslatorModel); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "PATENTQL_NARRATOR_MODEL", &cfg.AI.NarratorModel); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "PATENTQL_EMBEDDING_MODEL", &cfg.AI.EmbeddingModel); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "PATENTQL_MODEL_TIMEOUT", &cfg.AI.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "PATENTQL_MODEL_MAX_OUTPUT_TOKENS", &cfg.AI.MaxOutputTokens); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "AWS_ACCESS_KEY_ID", &cfg.AI.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "AWS_SECRET_ACCESS_KEY", &cfg.AI.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "AWS_DEFAULT_REGION", &cfg.AI.Region); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "PATENTQL_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "PATENTQL_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "PATENTQL_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "PATENTQL_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.DBService.BaseURL == "" {
		return Config{}, fmt.Errorf("database service url is required")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "patentql-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		DBService: DBServiceConfig{
			BaseURL:      "http://localhost:5003",
			ProbeTimeout: 5 * time.Second,
			ExecTimeout:  10 * time.Second,
		},
		Schema: SchemaConfig{
			SampleRows:    5,
			RetryAttempts: 5,
			RetryInterval: 3 * time.Second,
			DisplayMapDir: "./data",
		},
		AI: AIConfig{
			TranslatorModel: "anthropic.claude-3-haiku-20240307-v1:0",
			NarratorModel:   "anthropic.claude-3-haiku-20240307-v1:0",
			EmbeddingModel:  "amazon.titan-embed-text-v2:0",
			Timeout:         30 * time.Second,
			MaxOutputTokens: 1000,
		},
		Databases: DefaultDatabases(),
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Schema.RetryAttempts = 1
		cfg.Schema.RetryInterval = 10 * time.Millisecond
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
	}

	return cfg
}

// DefaultDatabases enumerates the closed set of selectors the database
// service exposes.
func DefaultDatabases() map[string]DatabaseConfig {
	return map[string]DatabaseConfig{
		"inpit": {
			Name:                    "inpit",
			PrimaryTable:            "inpit_data",
			FilingDateColumn:        "filing_date",
			ApplicantColumn:         "applicant_name",
			InventorColumn:          "inventor_name",
			ClassificationColumn:    "ipc_code",
			TitleColumn:             "title",
			AbstractColumn:          "abstract",
			ApplicationNumberColumn: "application_number",
			PublicationNumberColumn: "publication_number",
		},
		"patents_primary": {
			Name:                    "patents_primary",
			PrimaryTable:            "publications",
			FilingDateColumn:        "filing_date",
			ApplicantColumn:         "applicant_name",
			InventorColumn:          "inventor_name",
			ClassificationColumn:    "ipc_code",
			TitleColumn:             "title",
			AbstractColumn:          "abstract",
			ApplicationNumberColumn: "application_number",
			PublicationNumberColumn: "publication_number",
		},
		"patents_secondary": {
			Name:                    "patents_secondary",
			PrimaryTable:            "patent_documents",
			FilingDateColumn:        "filing_date",
			ApplicantColumn:         "applicant_name",
			InventorColumn:          "inventor_name",
			ClassificationColumn:    "ipc_code",
			TitleColumn:             "title",
			AbstractColumn:          "abstract",
			ApplicationNumberColumn: "application_number",
			PublicationNumberColumn: "publication_number",
		},
	}
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
