package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"drawgallery/internal/app"
	"drawgallery/internal/ratelimit"
	"drawgallery/internal/util"
	"drawgallery/pkg/domain"
	"drawgallery/pkg/imaging"
	"drawgallery/pkg/ledger"
	"drawgallery/pkg/storage"
)

const maxBodyBytes = 32 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	AuthLimiter    *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the gallery HTTP endpoints.
type Server struct {
	app            *app.App
	authLimiter    *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		authLimiter:    cfg.AuthLimiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/auth/send-code", s.withAuthLimit(s.handleSendCode))
	s.mux.Handle("/api/auth/register", s.withAuthLimit(s.handleRegister))
	s.mux.Handle("/api/auth/login", s.withAuthLimit(s.handleLogin))

	s.mux.Handle("/api/images/add", s.withUser(s.handleAddImage))
	s.mux.Handle("/api/images/list", s.withUser(s.handleListImages))
	s.mux.Handle("/api/images/", s.withUser(s.handleImageByID))
	s.mux.Handle("/api/storage", s.withUser(s.handleStorage))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "unauthorized")
			return
		}
		user, ok := s.app.UserFromToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) withAuthLimit(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authLimiter != nil {
			key := r.URL.Path + ":" + util.ClientIP(r, s.trustedProxies)
			if !s.authLimiter.Allow(key) {
				writeError(w, http.StatusTooManyRequests, "RateLimited", "too many requests")
				return
			}
		}
		next(w, r)
	})
}

type sendCodeRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sendCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.app.RequestSignupCode(req.Email); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, token, err := s.app.SignUp(req.Email, req.Password, req.Code)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

type addImageRequest struct {
	ImageData     string              `json:"imageData"`
	Prompt        string              `json:"prompt"`
	Model         string              `json:"model"`
	Source        domain.SourceParams `json:"sourceParams"`
	ElapsedTime   string              `json:"elapsedTime"`
	ModelResponse string              `json:"modelResponse"`
}

func (s *Server) handleAddImage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req addImageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	asset, err := s.app.CreateImage(r.Context(), user, app.CreateImageRequest{
		Payload:       req.ImageData,
		Prompt:        req.Prompt,
		ModelName:     req.Model,
		Source:        req.Source,
		ElapsedTime:   req.ElapsedTime,
		ModelResponse: req.ModelResponse,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	assets, err := s.app.ListImages(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if r.URL.Query().Get("simple") == "true" {
		summaries := make([]domain.Summary, 0, len(assets))
		for _, a := range assets {
			summaries = append(summaries, a.Summarize())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": summaries,
			"count": len(summaries),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": assets,
		"count": len(assets),
	})
}

type updatePromptRequest struct {
	Prompt string `json:"prompt"`
}

// /api/images/{publicId}
func (s *Server) handleImageByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/images/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "NotFound", "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		asset, err := s.app.GetImage(user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, asset)
	case http.MethodPut:
		var req updatePromptRequest
		if !decodeBody(w, r, &req) {
			return
		}
		asset, err := s.app.UpdatePrompt(user, id, req.Prompt)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, asset)
	case http.MethodDelete:
		if err := s.app.DeleteImage(r.Context(), user, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	quota, err := s.app.Quota(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalBytes":     quota.TotalBytes,
		"usedBytes":      quota.UsedBytes,
		"remainingBytes": quota.RemainingBytes(),
		"maxItems":       quota.MaxItems,
		"currentItems":   quota.CurrentItems,
		"maxFileBytes":   quota.MaxFileBytes,
		"usagePercent":   quota.UsagePercent(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "invalid JSON body")
		return false
	}
	return true
}

// writeAppError maps domain errors onto HTTP status and wire codes.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, imaging.ErrInvalidEncoding):
		writeError(w, http.StatusBadRequest, "InvalidEncoding", err.Error())
	case errors.Is(err, imaging.ErrNotAnImage):
		writeError(w, http.StatusBadRequest, "NotAnImage", err.Error())
	case errors.Is(err, imaging.ErrPayloadTooSmall):
		writeError(w, http.StatusBadRequest, "PayloadTooSmall", err.Error())
	case errors.Is(err, ledger.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, "QuotaExceeded", err.Error())
	case errors.Is(err, ledger.ErrFileTooLarge):
		writeError(w, http.StatusBadRequest, "FileTooLarge", err.Error())
	case errors.Is(err, ledger.ErrItemLimitReached):
		writeError(w, http.StatusForbidden, "ItemLimitReached", err.Error())
	case errors.Is(err, storage.ErrUploadFailed):
		writeError(w, http.StatusBadGateway, "UploadFailed", "image upload failed")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "image not found")
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
	case errors.Is(err, app.ErrEmailTaken):
		writeError(w, http.StatusConflict, "EmailTaken", "email already registered")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
	case errors.Is(err, app.ErrCodeRateLimited):
		writeError(w, http.StatusTooManyRequests, "RateLimited", err.Error())
	case errors.Is(err, app.ErrQuotaApplyFailed):
		writeError(w, http.StatusInternalServerError, "Internal", "image stored but quota accounting failed")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "ValidationError", "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
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
