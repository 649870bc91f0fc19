package handler_test

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"gatekeeper/internal/identity"
	"gatekeeper/internal/sessions/handler"
	"gatekeeper/internal/sessions/handler/mocks"
	"gatekeeper/internal/sessions/models"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/testutil"
)

const chromeOnMac = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type HandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	h := handler.New(s.service, slog.New(slog.DiscardHandler))

	s.router = chi.NewRouter()
	s.router.Route("/api", h.Register)
	s.router.Route("/api/internal", h.RegisterInternal)
}

// asSession attaches a cookie-session identity for user-1 with token "current".
func asSession(req *http.Request) *http.Request {
	ident := identity.FromSession(
		&identity.User{ID: "user-1"},
		&identity.Session{ID: "s-current", Token: "current", UserID: "user-1"},
	)
	return req.WithContext(identity.WithContext(req.Context(), ident))
}

func (s *HandlerSuite) do(req *http.Request) *httptest.ResponseRecorder {
	return testutil.DoRequest(s.router, req)
}

func (s *HandlerSuite) TestList() {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.service.EXPECT().List(gomock.Any(), id.UserID("user-1")).Return([]*models.Session{
		{ID: "s-current", TokenHash: models.HashToken("current"), UserID: "user-1", UserAgent: chromeOnMac, Active: true, CreatedAt: created, LastActiveAt: created},
		{ID: "s-other", TokenHash: models.HashToken("other"), UserID: "user-1", CreatedAt: created, LastActiveAt: created},
	}, nil)

	rr := s.do(asSession(httptest.NewRequest(http.MethodGet, "/api/sessions", nil)))
	s.Require().Equal(http.StatusOK, rr.Code)

	resp := testutil.UnmarshalResponse[models.SessionsResult](s.T(), rr)
	s.Require().Len(resp.Sessions, 2)
	s.Equal("s-current", resp.Sessions[0].ID)
	s.Equal("Chrome on Mac OS X", resp.Sessions[0].Device)
	s.True(resp.Sessions[0].IsCurrent)
	s.True(resp.Sessions[0].Active)
	s.Equal("Unknown Device", resp.Sessions[1].Device)
	s.False(resp.Sessions[1].IsCurrent)
	s.NotContains(rr.Body.String(), `"current"`, "tokens never leave the service")
}

func (s *HandlerSuite) TestList_Empty() {
	s.service.EXPECT().List(gomock.Any(), id.UserID("user-1")).Return(nil, nil)

	rr := s.do(asSession(httptest.NewRequest(http.MethodGet, "/api/sessions", nil)))
	s.Equal(http.StatusOK, rr.Code)
	s.JSONEq(`{"sessions":[]}`, rr.Body.String())
}

func (s *HandlerSuite) TestList_BearerCallerHasNoCurrentSession() {
	s.service.EXPECT().List(gomock.Any(), id.UserID("user-2")).Return([]*models.Session{
		{ID: "s1", TokenHash: models.HashToken("t1"), UserID: "user-2"},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req = req.WithContext(identity.WithContext(req.Context(), identity.FromClaims(&identity.Claims{Subject: "user-2"})))
	rr := s.do(req)

	resp := testutil.UnmarshalResponse[models.SessionsResult](s.T(), rr)
	s.Require().Len(resp.Sessions, 1)
	s.False(resp.Sessions[0].IsCurrent)
}

func (s *HandlerSuite) TestAnonymousCallerIsRejected() {
	rr := s.do(httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, string(dErrors.CodeUnauthorized))
}

func (s *HandlerSuite) TestSetActive() {
	s.Run("success", func() {
		s.service.EXPECT().SetActive(gomock.Any(), id.UserID("user-1"), "other").
			Return(&models.Session{ID: "s-other"}, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/sessions/set-active",
			map[string]string{"sessionToken": " other "})
		rr := s.do(asSession(req))
		s.Equal(http.StatusOK, rr.Code)
		s.JSONEq(`{"success":true}`, rr.Body.String())
	})

	s.Run("unknown session is a bad request", func() {
		s.service.EXPECT().SetActive(gomock.Any(), id.UserID("user-1"), "gone").
			Return(nil, dErrors.New(dErrors.CodeSessionNotFound, "session not found"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/sessions/set-active",
			map[string]string{"sessionToken": "gone"})
		rr := s.do(asSession(req))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeSessionNotFound))
	})

	s.Run("missing token", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/sessions/set-active", map[string]string{})
		rr := s.do(asSession(req))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
		s.Equal("sessionToken is required", testutil.ErrorBody(s.T(), rr)["error_description"])
	})

	s.Run("malformed body", func() {
		req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/api/sessions/set-active", "{")
		rr := s.do(asSession(req))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})
}

func (s *HandlerSuite) TestRevoke() {
	s.service.EXPECT().Revoke(gomock.Any(), id.UserID("user-1"), "other").Return(nil)

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/sessions/revoke",
		map[string]string{"sessionToken": "other"})
	rr := s.do(asSession(req))
	s.Equal(http.StatusOK, rr.Code)
	s.JSONEq(`{"success":true}`, rr.Body.String())
}

func (s *HandlerSuite) TestRevoke_InternalErrorHidesDetail() {
	s.service.EXPECT().Revoke(gomock.Any(), id.UserID("user-1"), "other").
		Return(dErrors.Wrap(errors.New("pq: connection refused"), dErrors.CodeInternal, "failed to revoke session"))

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/sessions/revoke",
		map[string]string{"sessionToken": "other"})
	rr := s.do(asSession(req))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusInternalServerError, string(dErrors.CodeInternal))
	s.NotContains(rr.Body.String(), "pq:")
}

func (s *HandlerSuite) TestRevokeAll() {
	s.Run("keeps the current session by default", func() {
		s.service.EXPECT().RevokeAll(gomock.Any(), id.UserID("user-1"), "current").Return(2, nil)

		rr := s.do(asSession(httptest.NewRequest(http.MethodPost, "/api/sessions/revoke-all", nil)))
		s.Equal(http.StatusOK, rr.Code)
		s.JSONEq(`{"success":true,"revoked":2}`, rr.Body.String())
	})

	s.Run("include current", func() {
		s.service.EXPECT().RevokeAll(gomock.Any(), id.UserID("user-1"), "").Return(3, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/sessions/revoke-all",
			map[string]bool{"includeCurrent": true})
		rr := s.do(asSession(req))
		s.Equal(http.StatusOK, rr.Code)
		s.JSONEq(`{"success":true,"revoked":3}`, rr.Body.String())
	})
}

func (s *HandlerSuite) TestAdmit() {
	now := time.Now().UTC()
	s.Run("new session with eviction", func() {
		s.service.EXPECT().Admit(gomock.Any(), models.AdmitRequest{
			UserID:    "user-1",
			Token:     "fresh",
			UserAgent: chromeOnMac,
			IPAddress: "10.0.0.7",
			NewUser:   true,
		}).Return(&models.AdmitResult{
			Session: &models.Session{ID: "s-new", TokenHash: models.HashToken("fresh"), UserID: "user-1", UserAgent: chromeOnMac, Active: true, CreatedAt: now, LastActiveAt: now},
			Evicted: []*models.Session{{ID: "s-old"}},
			Created: true,
		}, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/internal/sessions", map[string]any{
			"userId":       "user-1",
			"sessionToken": "fresh",
			"userAgent":    chromeOnMac,
			"ipAddress":    "10.0.0.7",
			"newUser":      true,
		})
		rr := s.do(req)
		s.Require().Equal(http.StatusCreated, rr.Code)

		resp := testutil.UnmarshalResponse[handler.AdmitResponse](s.T(), rr)
		s.Equal("s-new", resp.Session.ID)
		s.True(resp.Session.Active)
		s.Equal([]string{"s-old"}, resp.Evicted)
	})

	s.Run("passes the backend expiry through", func() {
		expires := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		s.service.EXPECT().Admit(gomock.Any(), models.AdmitRequest{
			UserID:    "user-1",
			Token:     "expiring",
			ExpiresAt: expires,
		}).Return(&models.AdmitResult{
			Session: &models.Session{ID: "s-exp", TokenHash: models.HashToken("expiring"), UserID: "user-1", ExpiresAt: expires},
			Created: true,
		}, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/internal/sessions", map[string]any{
			"userId":       "user-1",
			"sessionToken": "expiring",
			"expiresAt":    expires.Format(time.RFC3339),
		})
		rr := s.do(req)
		s.Require().Equal(http.StatusCreated, rr.Code)

		resp := testutil.UnmarshalResponse[handler.AdmitResponse](s.T(), rr)
		s.True(resp.Session.IsCurrent)
		s.NotContains(rr.Body.String(), models.HashToken("expiring"), "token hashes never leave the service")
	})

	s.Run("already admitted", func() {
		s.service.EXPECT().Admit(gomock.Any(), gomock.Any()).Return(&models.AdmitResult{
			Session: &models.Session{ID: "s-new", TokenHash: models.HashToken("fresh"), UserID: "user-1"},
		}, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/internal/sessions",
			map[string]string{"userId": "user-1", "sessionToken": "fresh"})
		rr := s.do(req)
		s.Equal(http.StatusOK, rr.Code)
	})

	s.Run("invalid input", func() {
		tests := []struct {
			name string
			body map[string]string
		}{
			{"missing user", map[string]string{"sessionToken": "t"}},
			{"missing token", map[string]string{"userId": "user-1"}},
			{"bad ip", map[string]string{"userId": "user-1", "sessionToken": "t", "ipAddress": "not-an-ip"}},
			{"malformed user id", map[string]string{"userId": "user 1", "sessionToken": "t"}},
		}
		for _, tt := range tests {
			s.Run(tt.name, func() {
				req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/internal/sessions", tt.body)
				rr := s.do(req)
				testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
			})
		}
	})

	s.Run("revoked token conflicts", func() {
		s.service.EXPECT().Admit(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeConflict, "session token was revoked"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/internal/sessions",
			map[string]string{"userId": "user-1", "sessionToken": "old"})
		rr := s.do(req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodeConflict))
	})

	s.Run("lock timeout", func() {
		s.service.EXPECT().Admit(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeTimeout, "timed out waiting for session lock"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/internal/sessions",
			map[string]string{"userId": "user-1", "sessionToken": "t"})
		rr := s.do(req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusGatewayTimeout, string(dErrors.CodeTimeout))
	})
}

func (s *HandlerSuite) TestTouch() {
	s.service.EXPECT().Touch(gomock.Any(), "current").Return(nil)
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/internal/sessions/touch",
		map[string]string{"sessionToken": "current"})
	rr := s.do(req)
	s.Equal(http.StatusOK, rr.Code)

	s.service.EXPECT().Touch(gomock.Any(), "gone").Return(dErrors.New(dErrors.CodeSessionNotFound, "session not found"))
	req = testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/internal/sessions/touch",
		map[string]string{"sessionToken": "gone"})
	rr = s.do(req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeSessionNotFound))
}
