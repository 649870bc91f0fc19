package httptransport

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"gatekeeper/internal/identity"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/request"
)

type handlers struct {
	logger *slog.Logger
	checks map[string]HealthCheck
}

// MeResponse describes the caller as the pipeline resolved them.
type MeResponse struct {
	Kind    string       `json:"kind"`
	UserID  string       `json:"userId"`
	Role    string       `json:"role,omitempty"`
	Email   string       `json:"email,omitempty"`
	Name    string       `json:"name,omitempty"`
	Session *MeSession   `json:"session,omitempty"`
	Token   *MeTokenInfo `json:"token,omitempty"`
}

type MeSession struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type MeTokenInfo struct {
	Issuer    string    `json:"issuer"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PublicUser is the admin endpoint's view of the caller.
type PublicUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (h *handlers) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "correctly working.")
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				"dependency", name,
				"error", err,
				"request_id", request.GetRequestID(ctx),
			)
			writeText(w, http.StatusServiceUnavailable, "Health Degraded: "+name)
			return
		}
	}
	writeText(w, http.StatusOK, "Health OK")
}

func (h *handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	ident := identity.FromContext(r.Context())
	resp := MeResponse{
		Kind:   ident.Kind().String(),
		UserID: ident.UserID().String(),
	}
	if role, ok := ident.Role(); ok {
		resp.Role = role
	}
	resp.Email, resp.Name = contact(ident)
	if s := ident.Session(); s != nil {
		resp.Session = &MeSession{ID: s.ID.String(), ExpiresAt: s.ExpiresAt}
	}
	if c := ident.Claims(); c != nil {
		resp.Token = &MeTokenInfo{Issuer: c.Issuer, ExpiresAt: c.ExpiresAt}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleAdmin(w http.ResponseWriter, r *http.Request) {
	ident := identity.FromContext(r.Context())
	email, name := contact(ident)
	httputil.WriteJSON(w, http.StatusOK, PublicUser{
		ID:    ident.UserID().String(),
		Name:  name,
		Email: email,
	})
}

func contact(ident identity.Identity) (email, name string) {
	if u := ident.User(); u != nil {
		return u.Email, u.Name
	}
	if c := ident.Claims(); c != nil {
		return c.Email, c.Name
	}
	return "", ""
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
