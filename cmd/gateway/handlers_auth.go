package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/librarysingkat/circulation/internal/domain/library"
	svcerrors "github.com/librarysingkat/circulation/internal/errors"
	"github.com/librarysingkat/circulation/internal/httputil"
	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/internal/middleware"
	"github.com/librarysingkat/circulation/supabase/client"
)

// authProvider is the GoTrue surface the auth handlers use. *client.AuthClient
// implements it.
type authProvider interface {
	SignIn(ctx context.Context, email, password string) (*client.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*client.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	GetUser(ctx context.Context, accessToken string) (*client.User, error)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// authError maps a GoTrue failure. Rejected credentials become 401 with the
// provider's message unchanged so the client can show it.
func authError(err error) *svcerrors.ServiceError {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return svcerrors.Unauthorized(apiErr.Error())
	}
	return svcerrors.Upstream(err)
}

// =============================================================================
// Auth Handlers
// =============================================================================

func loginHandler(auth authProvider, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		form := library.LoginForm{Email: req.Email, Password: req.Password}
		if !form.CanSubmit() {
			httputil.WriteError(w, r, svcerrors.BadRequest("email and password are required"))
			return
		}

		session, err := auth.SignIn(r.Context(), form.TrimmedEmail(), form.Password)
		if err != nil {
			logger.LogSecurityEvent(r.Context(), "staff_sign_in_failed", map[string]interface{}{
				"email": form.TrimmedEmail(),
				"error": err.Error(),
			})
			httputil.WriteError(w, r, authError(err))
			return
		}

		fields := map[string]interface{}{"email": form.TrimmedEmail()}
		if session.User != nil {
			fields["user_id"] = session.User.ID
		}
		logger.WithContext(r.Context()).WithFields(fields).Info("Staff signed in")
		httputil.WriteJSON(w, http.StatusOK, session)
	}
}

func refreshHandler(auth authProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.RefreshToken) == "" {
			httputil.WriteError(w, r, svcerrors.BadRequest("refresh_token is required"))
			return
		}

		session, err := auth.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			httputil.WriteError(w, r, authError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, session)
	}
}

func logoutHandler(auth authProvider, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.SignOut(r.Context(), middleware.GetAccessToken(r.Context())); err != nil {
			httputil.WriteError(w, r, authError(err))
			return
		}
		logger.WithContext(r.Context()).Info("Staff signed out")
		w.WriteHeader(http.StatusNoContent)
	}
}

func sessionHandler(auth authProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := auth.GetUser(r.Context(), middleware.GetAccessToken(r.Context()))
		if err != nil {
			httputil.WriteError(w, r, authError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, user)
	}
}
