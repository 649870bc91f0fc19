// Package handler exposes session management over HTTP: the caller-facing
// listing and sign-out routes and the internal routes the auth backend uses to
// admit sessions.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/identity"
	"gatekeeper/internal/sessions/models"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/request"
)

// Service is the session manager as seen by HTTP.
type Service interface {
	List(ctx context.Context, userID id.UserID) ([]*models.Session, error)
	SetActive(ctx context.Context, userID id.UserID, token string) (*models.Session, error)
	Revoke(ctx context.Context, userID id.UserID, token string) error
	RevokeAll(ctx context.Context, userID id.UserID, exceptToken string) (int, error)
	Admit(ctx context.Context, req models.AdmitRequest) (*models.AdmitResult, error)
	Touch(ctx context.Context, token string) error
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts the caller-facing routes. The router is expected to have
// identity resolution and an authentication guard in front of it.
func (h *Handler) Register(r chi.Router) {
	r.Get("/sessions", h.HandleList)
	r.Post("/sessions/set-active", h.HandleSetActive)
	r.Post("/sessions/revoke", h.HandleRevoke)
	r.Post("/sessions/revoke-all", h.HandleRevokeAll)
}

// RegisterInternal mounts the routes called by the auth backend. The router is
// expected to require the admin token.
func (h *Handler) RegisterInternal(r chi.Router) {
	r.Post("/sessions", h.HandleAdmit)
	r.Post("/sessions/touch", h.HandleTouch)
}

// caller returns the authenticated user and, for cookie sessions, the token of
// the session making the request.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (id.UserID, string, bool) {
	ctx := r.Context()
	ident := identity.FromContext(ctx)
	userID := ident.UserID()
	if userID.IsNil() {
		h.logger.ErrorContext(ctx, "user id missing from context despite auth guard",
			"request_id", request.GetRequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return "", "", false
	}
	var currentToken string
	if session := ident.Session(); session != nil {
		currentToken = session.Token
	}
	return userID, currentToken, true
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, currentToken, ok := h.caller(w, r)
	if !ok {
		return
	}

	sessions, err := h.service.List(ctx, userID)
	if err != nil {
		h.fail(ctx, w, "failed to list sessions", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSessionsResult(sessions, currentToken))
}

func (h *Handler) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[SessionTokenRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}

	if _, err := h.service.SetActive(ctx, userID, req.SessionToken); err != nil {
		h.fail(ctx, w, "failed to set active session", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[SessionTokenRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}

	if err := h.service.Revoke(ctx, userID, req.SessionToken); err != nil {
		h.fail(ctx, w, "failed to revoke session", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *Handler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, currentToken, ok := h.caller(w, r)
	if !ok {
		return
	}

	// The body is optional.
	var req RevokeAllRequest
	if r.ContentLength != 0 {
		decoded, ok := httputil.DecodeAndPrepare[RevokeAllRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
		if !ok {
			return
		}
		req = *decoded
	}
	keep := currentToken
	if req.IncludeCurrent {
		keep = ""
	}

	n, err := h.service.RevokeAll(ctx, userID, keep)
	if err != nil {
		h.fail(ctx, w, "failed to revoke sessions", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RevokeAllResponse{Success: true, Revoked: n})
}

func (h *Handler) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[AdmitRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}

	res, err := h.service.Admit(ctx, models.AdmitRequest{
		UserID:    id.UserID(req.UserID),
		Token:     req.SessionToken,
		UserAgent: req.UserAgent,
		IPAddress: req.IPAddress,
		ExpiresAt: req.expiry(),
		NewUser:   req.NewUser,
	})
	if err != nil {
		h.fail(ctx, w, "failed to admit session", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, toAdmitResponse(res, req.SessionToken))
}

func (h *Handler) HandleTouch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[SessionTokenRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	if err := h.service.Touch(ctx, req.SessionToken); err != nil {
		h.fail(ctx, w, "failed to touch session", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// fail logs at a level matching the error class and writes the envelope.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	level := slog.LevelWarn
	if code, ok := dErrors.CodeOf(err); !ok || code == dErrors.CodeInternal || code == dErrors.CodeUnavailable {
		level = slog.LevelError
	}
	if errors.Is(err, context.Canceled) {
		level = slog.LevelInfo
	}
	h.logger.Log(ctx, level, msg,
		"request_id", request.GetRequestID(ctx),
		"error", err,
	)
	httputil.WriteError(w, err)
}
