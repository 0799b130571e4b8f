package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pbullhove/vote-then-discuss/internal/auth"
	"github.com/pbullhove/vote-then-discuss/internal/code"
	"github.com/pbullhove/vote-then-discuss/internal/prefs"
	"github.com/pbullhove/vote-then-discuss/internal/rbac"
)

// deviceHeader identifies the browser or installation that owns participant
// preferences.
const deviceHeader = "X-Device-ID"

// pinger is implemented by collaborators with a remote backend.
type pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	logger := slog.Default()
	if service != nil && service.logger != nil {
		logger = service.logger
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
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

		if redisPrefs, ok := s.service.prefs.(pinger); ok {
			checks["redis"] = map[string]any{"status": "ok"}
			if err := redisPrefs.Ping(ctx); err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks["redis"] = map[string]any{
					"status": "error",
					"error":  err.Error(),
				}
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userName":  session.UserName,
			"userId":    session.UserID,
			"expiresAt": session.ExpiresAt,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "sessions" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	caller, ok := s.optionalSession(w, r)
	if !ok {
		return
	}

	if len(parts) == 2 {
		s.handleSessions(w, r, caller)
		return
	}

	sessionCode, valid := code.Normalize(parts[2])
	if !valid {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Session code must be %d characters", code.Length), nil)
		return
	}

	if len(parts) == 3 {
		s.handleSession(w, r, caller, sessionCode)
		return
	}

	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Every sub-resource needs an existing session.
	if _, err := s.service.loadSession(r.Context(), sessionCode); err != nil {
		writeMappedError(w, err)
		return
	}

	device := strings.TrimSpace(r.Header.Get(deviceHeader))
	switch action := parts[3]; {
	case action == "questions" && r.Method == http.MethodPost:
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		question, err := s.service.AddQuestion(r.Context(), sessionCode, caller.AuthContext(), body.Text)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, question)

	case action == "participant" && r.Method == http.MethodGet:
		s.handleParticipant(w, r, caller, sessionCode, device)

	case action == "participant" && r.Method == http.MethodPut:
		var body struct {
			Name        *string `json:"name"`
			ShowAnswers *bool   `json:"showAnswers"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateParticipant(r.Context(), sessionCode, device, body.Name, body.ShowAnswers); err != nil {
			writeMappedError(w, err)
			return
		}
		s.handleParticipant(w, r, caller, sessionCode, device)

	case action == "submission" && r.Method == http.MethodPost:
		var body struct {
			Answers map[string]string `json:"answers"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		pc, err := s.service.LoadParticipant(r.Context(), sessionCode, caller.AuthContext(), device)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		result, err := s.service.Submit(r.Context(), sessionCode, caller.AuthContext(), pc, body.Answers)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":    GateSubmitted,
			"identity": result.Identity.Composite(),
			"replayed": result.Replayed,
		})

	case action == "answers" && r.Method == http.MethodGet:
		pc, err := s.service.LoadParticipant(r.Context(), sessionCode, caller.AuthContext(), device)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		view, err := s.service.AnswerView(r.Context(), sessionCode, caller.AuthContext(), pc)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case action == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, caller, sessionCode, device)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, caller AuthSession) {
	if caller.UserID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Name      string   `json:"name"`
			Questions []string `json:"questions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateSession(r.Context(), caller.UserID, body.Name, body.Questions)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	case http.MethodGet:
		views, err := s.service.ListSessions(r.Context(), caller.UserID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, caller AuthSession, sessionCode string) {
	switch r.Method {
	case http.MethodGet:
		view, err := s.service.GetSession(r.Context(), sessionCode)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session":     view,
			"isOrganizer": rbac.RoleFor(caller.UserID, view.OwnerID) == rbac.RoleOrganizer,
		})
	case http.MethodPatch:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.RenameSession(r.Context(), sessionCode, caller.AuthContext(), body.Name)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleParticipant(w http.ResponseWriter, r *http.Request, caller AuthSession, sessionCode, device string) {
	pc, err := s.service.LoadParticipant(r.Context(), sessionCode, caller.AuthContext(), device)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	status, err := s.service.Status(r.Context(), sessionCode, caller.AuthContext(), pc)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := map[string]any{
		"state":       status.State,
		"name":        pc.Name,
		"showAnswers": pc.ShowAnswers,
		"identity":    nil,
	}
	if !status.Identity.IsZero() && status.State != GateIncomplete {
		payload["identity"] = status.Identity.Composite()
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleEvents streams session and answer snapshots as server-sent events.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, caller AuthSession, sessionCode, device string) {
	controller := http.NewResponseController(w)
	// Long-lived stream: lift the server's write timeout.
	_ = controller.SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := controller.Flush(); err != nil {
		s.logger.Warn("event stream not flushable", "error", err)
		return
	}

	err := s.service.Watch(r.Context(), sessionCode, caller.AuthContext(), device, func(snapshot Snapshot) error {
		payload, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", snapshot.Kind, payload); err != nil {
			return err
		}
		return controller.Flush()
	})
	if err != nil {
		_, errCode, message, _ := mapError(err)
		_, _ = fmt.Fprintf(w, "event: error\ndata: {\"code\":%q,\"error\":%q}\n\n", errCode, message)
		_ = controller.Flush()
	}
}

// optionalSession resolves the bearer token if one was sent. A present but
// invalid token is rejected rather than treated as anonymous.
func (s *HTTPServer) optionalSession(w http.ResponseWriter, r *http.Request) (AuthSession, bool) {
	token := bearerToken(r)
	if token == "" {
		return AuthSession{}, true
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return AuthSession{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return AuthSession{}, false
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

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+deviceHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,OPTIONS")
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, prefs.ErrNoDevice) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", deviceHeader + " header is required", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

