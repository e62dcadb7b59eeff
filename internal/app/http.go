package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AaraikAI/Abode-AI-sub013/internal/auth"
	"github.com/AaraikAI/Abode-AI-sub013/internal/collab"
	"github.com/AaraikAI/Abode-AI-sub013/internal/rbac"
	"github.com/AaraikAI/Abode-AI-sub013/internal/search"
	"github.com/AaraikAI/Abode-AI-sub013/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	syncToken  string
	ws         http.Handler
}

func NewHTTPServer(service *Service, corsOrigin, syncToken string, ws http.Handler) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, syncToken: syncToken, ws: ws}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.URL.Path == "/api/collab/ws" {
		if s.ws == nil {
			writeError(w, http.StatusServiceUnavailable, "COLLAB_UNAVAILABLE", "Live collaboration is not configured", nil)
			return
		}
		s.ws.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/runs" {
		s.handleInternalRun(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 6 && parts[0] == "api" && parts[1] == "orgs" && parts[3] == "entities" {
		s.handleEntityRoutes(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleInternalRun is the side channel orchestrators push run status
// through. It authenticates with a shared secret, not a user token.
func (s *HTTPServer) handleInternalRun(w http.ResponseWriter, r *http.Request) {
	provided := r.Header.Get("X-Sync-Token")
	if s.syncToken == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.syncToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	var body struct {
		Org       string          `json:"org"`
		Workspace string          `json:"workspace"`
		Target    string          `json:"target"`
		Run       json.RawMessage `json:"run"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	key := collab.Key{Org: body.Org, Workspace: body.Workspace, Target: body.Target}
	if err := s.service.PublishRun(r.Context(), key, body.Run); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if !s.service.Can(session.Role, rbac.ActionRead) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response := s.service.Search(search.Query{
		Text:              query.Get("q"),
		OrgID:             session.Org,
		FilterType:        search.ResultType(query.Get("type")),
		FilterWorkspaceID: query.Get("workspace"),
		Limit:             limit,
		Offset:            offset,
	})
	writeJSON(w, http.StatusOK, response)
}

// handleEntityRoutes covers /api/orgs/{org}/entities/{type}/{id}/...
func (s *HTTPServer) handleEntityRoutes(w http.ResponseWriter, r *http.Request, parts []string) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	scope := store.Scope{OrgID: parts[2], EntityType: parts[4], EntityID: parts[5]}
	if session.Org != scope.OrgID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	rest := parts[6:]
	switch {
	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		result, err := s.service.History(r.Context(), scope, r.URL.Query().Get("branch"), limit)
		s.respond(w, result, err, http.StatusOK)

	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodPost:
		if !s.service.Can(session.Role, rbac.ActionCommit) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var input CommitInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CreateCommit(r.Context(), scope, session, input)
		s.respond(w, result, err, http.StatusCreated)

	case len(rest) == 1 && rest[0] == "pulls" && r.Method == http.MethodGet:
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		pulls, err := s.service.ListPullRequests(r.Context(), scope)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pullRequests": pulls})

	case len(rest) == 1 && rest[0] == "pulls" && r.Method == http.MethodPost:
		if !s.service.Can(session.Role, rbac.ActionCommit) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var input PullRequestInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.OpenPullRequest(r.Context(), scope, session, input)
		s.respond(w, result, err, http.StatusCreated)

	case len(rest) == 3 && rest[0] == "pulls" && rest[2] == "status" && r.Method == http.MethodPost:
		var input struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		action := rbac.ActionApprove
		if input.Status == store.PullRequestMerged {
			action = rbac.ActionMerge
		}
		if !s.service.Can(session.Role, action) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		result, err := s.service.UpdatePullRequestStatus(r.Context(), scope, rest[1], input.Status)
		s.respond(w, result, err, http.StatusOK)

	case len(rest) == 3 && rest[0] == "pulls" && rest[2] == "report.pdf" && r.Method == http.MethodGet:
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		result, err := s.service.PullRequestReport(r.Context(), scope, rest[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, result map[string]any, err error, status int) {
	if err != nil {
		errStatus, code, message, details := mapError(err)
		writeError(w, errStatus, code, message, details)
		return
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Sync-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrDuplicateBranch) {
		return http.StatusConflict, "DUPLICATE_BRANCH", "Branch name already exists", nil
	}
	if errors.Is(err, store.ErrConcurrentCommit) {
		return http.StatusConflict, "COMMIT_CONFLICT", "Branch head moved, retry the commit", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
