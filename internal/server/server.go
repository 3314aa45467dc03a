// Package server exposes the HTTP API: accounts and sessions, chats and
// conversation turns, document uploads, and report generation.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"aidoctor/internal/app"
	"aidoctor/internal/ratelimit"
	"aidoctor/internal/util"
	"aidoctor/pkg/ai"
	"aidoctor/pkg/domain"
	"aidoctor/pkg/store"
)

const defaultMaxUploadBytes = 10 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Sessions store.SessionStore

	// SignupLimiter and LoginLimiter are optional per-IP limiters on
	// the unauthenticated account endpoints.
	SignupLimiter *ratelimit.FixedWindowLimiter
	LoginLimiter  *ratelimit.FixedWindowLimiter

	// MaxUploadBytes caps multipart uploads; zero means the 10 MiB default.
	MaxUploadBytes int64

	// UploadsDir, when set, is served read-only under /uploads/ for
	// disk-backed blob storage. Object-store URLs are absolute and
	// need no local route.
	UploadsDir string
}

// Server exposes the HTTP endpoints.
type Server struct {
	app            *app.App
	sessions       store.SessionStore
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	maxUploadBytes int64
	uploadsDir     string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		sessions:       cfg.Sessions,
		signupLimiter:  cfg.SignupLimiter,
		loginLimiter:   cfg.LoginLimiter,
		maxUploadBytes: maxUpload,
		uploadsDir:     cfg.UploadsDir,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("server", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// accounts
	s.mux.HandleFunc("/api/users", s.handleRegister)
	s.mux.HandleFunc("/api/users/session", s.handleLogin)
	s.mux.Handle("/api/users/profile", s.authenticated(s.handleProfile))

	// chats
	s.mux.Handle("/api/chats", s.authenticated(s.handleChats))
	s.mux.Handle("/api/chats/", s.authenticated(s.handleChatByID))

	// documents
	s.mux.Handle("/api/documents", s.authenticated(s.handleDocuments))
	s.mux.Handle("/api/documents/", s.authenticated(s.handleDocumentByID))

	if s.uploadsDir != "" {
		s.mux.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.uploadsDir))))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	userID, ok, err := s.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, err := s.app.GetUser(userID)
	if err != nil {
		return domain.User{}, false
	}
	return user, true
}

// account handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !allow(s.signupLimiter, util.ClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req app.RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	token, err := s.sessions.NewSession(user.ID)
	if err != nil {
		slog.Error("issue session", "error", err, "request_id", util.RequestIDFromRequest(r))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "user.register", user.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !allow(s.loginLimiter, util.ClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Authenticate(req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	token, err := s.sessions.NewSession(user.ID)
	if err != nil {
		slog.Error("issue session", "error", err, "request_id", util.RequestIDFromRequest(r))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "user.login", user.ID)
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPut:
		var req app.ProfileUpdate
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := s.app.UpdateProfile(user.ID, req)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "user.profile_update", user.ID)
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w)
	}
}

// chat handlers
func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		chats, err := s.app.ListChats(user.ID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, chats)
	case http.MethodPost:
		var req createChatRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		chat, err := s.app.CreateChat(user.ID, req.Title)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "chat.create", user.ID, "chat", chat.ID)
		writeJSON(w, http.StatusCreated, chat)
	default:
		methodNotAllowed(w)
	}
}

// handleChatByID dispatches /api/chats/{id} and its subresources:
// {id}/messages, {id}/upload, and {id}/report.
func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/chats/")
	chatID, sub, _ := strings.Cut(rest, "/")
	if chatID == "" || strings.Contains(sub, "/") {
		http.NotFound(w, r)
		return
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		chat, err := s.app.GetChat(chatID, user.ID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, chat)
	case "messages":
		s.handleChatMessages(w, r, user, chatID)
	case "upload":
		s.handleChatUpload(w, r, user, chatID)
	case "report":
		s.handleChatReport(w, r, user, chatID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, user domain.User, chatID string) {
	switch r.Method {
	case http.MethodGet:
		chat, err := s.app.GetChat(chatID, user.ID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, chat.Messages)
	case http.MethodPost:
		var req sendMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		chat, err := s.app.SendMessage(r.Context(), user.ID, chatID, req.Content)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "chat.message", user.ID, "chat", chatID)
		writeJSON(w, http.StatusCreated, chat)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChatUpload(w http.ResponseWriter, r *http.Request, user domain.User, chatID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	data, header, caption, ok := s.readPDFUpload(w, r)
	if !ok {
		return
	}
	chat, err := s.app.UploadChatMessage(r.Context(), user.ID, chatID, app.UploadInput{
		Filename:    header.Filename,
		Caption:     caption,
		ContentType: "application/pdf",
		Data:        data,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "chat.upload", user.ID, "chat", chatID, "filename", header.Filename)
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleChatReport(w http.ResponseWriter, r *http.Request, user domain.User, chatID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	report, err := s.app.GenerateReport(r.Context(), user.ID, chatID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "chat.report", user.ID, "chat", chatID)
	writeJSON(w, http.StatusOK, reportResponse{ReportContent: report})
}

// document handlers
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		docs, err := s.app.ListDocuments(user.ID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, docs)
	case http.MethodPost:
		data, header, name, ok := s.readPDFUpload(w, r)
		if !ok {
			return
		}
		doc, err := s.app.CreateDocument(r.Context(), user.ID, app.DocumentInput{
			Name:        name,
			Filename:    header.Filename,
			ContentType: "application/pdf",
			Data:        data,
		})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "document.create", user.ID, "document", doc.ID)
		writeJSON(w, http.StatusCreated, doc)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, err := s.app.GetDocument(id, user.ID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.DeleteDocument(r.Context(), id, user.ID); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "document.delete", user.ID, "document", id)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// readPDFUpload parses a multipart form holding a "file" part plus an
// optional text field ("caption" for chat uploads, "name" for document
// uploads; both are read, callers pick the one they use). Only PDFs
// within the size cap are accepted. On failure the response is already
// written and ok is false.
func (s *Server) readPDFUpload(w http.ResponseWriter, r *http.Request) (data []byte, header *multipart.FileHeader, text string, ok bool) {
	if r.ContentLength > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return nil, nil, "", false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return nil, nil, "", false
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, nil, "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return nil, nil, "", false
	}
	defer file.Close()

	if !isPDF(header) {
		writeError(w, http.StatusBadRequest, "only PDF files are accepted")
		return nil, nil, "", false
	}
	data, err = io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return nil, nil, "", false
	}

	text = r.FormValue("caption")
	if text == "" {
		text = r.FormValue("name")
	}
	return data, header, text, true
}

func isPDF(header *multipart.FileHeader) bool {
	if strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		return true
	}
	ct := header.Header.Get("Content-Type")
	return strings.EqualFold(ct, "application/pdf")
}

// writeAppError maps application errors onto HTTP statuses.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr app.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Reason)
	case errors.Is(err, app.ErrInsufficientHistory):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ai.ErrModelUnavailable):
		writeError(w, http.StatusBadGateway, "model unavailable")
	default:
		slog.Error("request failed", "error", err, "path", r.URL.Path, "request_id", util.RequestIDFromRequest(r))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, action, userID string, extra ...any) {
	args := append([]any{
		"action", action,
		"user", userID,
		"ip", util.ClientIP(r),
		"request_id", util.RequestIDFromRequest(r),
	}, extra...)
	slog.Info("audit", args...)
}

func allow(limiter *ratelimit.FixedWindowLimiter, key string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(key)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type createChatRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type reportResponse struct {
	ReportContent string `json:"reportContent"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
