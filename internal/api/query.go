package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/patentql/patentql/internal/session"
	"github.com/patentql/patentql/internal/translate"
)

type queryRequest struct {
	Question string `json:"question"`
	Database string `json:"database"`
	Strategy string `json:"strategy"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Core == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CORE_NOT_CONFIGURED", "query core is not configured", false, nil)
		return
	}

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	if strings.TrimSpace(request.Database) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "DATABASE_REQUIRED", "database is required", false, nil)
		return
	}

	response, err := deps.Core.Process(r.Context(), request.Question, request.Database, request.Strategy)
	if err != nil {
		writeProcessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"response": response,
	})
}

func handleCredentials(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Core == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CORE_NOT_CONFIGURED", "query core is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, deps.Core.CredentialsStatus())
}

func handleRefreshSchemas(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Core == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CORE_NOT_CONFIGURED", "query core is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, deps.Core.RefreshSchemas(r.Context()))
}

func writeProcessError(w http.ResponseWriter, r *http.Request, err error) {
	var processErr *session.ProcessError
	if !errors.As(err, &processErr) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}

	status := http.StatusUnprocessableEntity
	retryable := false
	switch processErr.Kind {
	case translate.KindUnknownDatabase:
		status = http.StatusNotFound
	case translate.KindUpstreamUnavailable, translate.KindEmptySchema:
		status = http.StatusServiceUnavailable
		retryable = true
	case translate.KindCredentialsMissing:
		status = http.StatusServiceUnavailable
	case translate.KindExecutionError:
		status = http.StatusBadRequest
	}

	extra := map[string]any{"kind": string(processErr.Kind)}
	if len(processErr.Trace) > 0 {
		extra["trace"] = processErr.Trace
	}
	writeError(r.Context(), w, status, errorCode(processErr.Kind), processErr.Message, retryable, extra)
}

func errorCode(kind translate.FailureKind) string {
	codes := map[translate.FailureKind]string{
		translate.KindUnknownDatabase:     "UNKNOWN_DATABASE",
		translate.KindUpstreamUnavailable: "UPSTREAM_UNAVAILABLE",
		translate.KindEmptySchema:         "EMPTY_SCHEMA",
		translate.KindCredentialsMissing:  "CREDENTIALS_MISSING",
		translate.KindNoRuleMatch:         "NO_RULE_MATCH",
		translate.KindInvalidGeneration:   "INVALID_GENERATION",
		translate.KindDisallowedStatement: "DISALLOWED_STATEMENT",
		translate.KindExecutionError:      "EXECUTION_ERROR",
	}
	if code, ok := codes[kind]; ok {
		return code
	}
	return "PROCESS_FAILED"
}
