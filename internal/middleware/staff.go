package middleware

import (
	"net/http"
	"strings"

	"github.com/librarysingkat/circulation/internal/errors"
	internalhttputil "github.com/librarysingkat/circulation/internal/httputil"
	"github.com/librarysingkat/circulation/internal/logging"
)

// StaffGuard admits authenticated staff. With empty allowlists every signed-in
// user counts as staff; otherwise the user ID or email must be listed.
type StaffGuard struct {
	userIDs map[string]struct{}
	emails  map[string]struct{}
	logger  *logging.Logger
}

// NewStaffGuard builds a guard from user ID and email allowlists.
func NewStaffGuard(userIDs, emails []string, logger *logging.Logger) *StaffGuard {
	g := &StaffGuard{
		userIDs: make(map[string]struct{}),
		emails:  make(map[string]struct{}),
		logger:  logger,
	}
	for _, id := range userIDs {
		if id = strings.TrimSpace(id); id != "" {
			g.userIDs[id] = struct{}{}
		}
	}
	for _, email := range emails {
		if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
			g.emails[email] = struct{}{}
		}
	}
	return g
}

// IsStaff reports whether the user may use staff endpoints.
func (g *StaffGuard) IsStaff(userID, email, role string) bool {
	if userID == "" || role != SupabaseAudience {
		return false
	}
	if len(g.userIDs) == 0 && len(g.emails) == 0 {
		return true
	}
	if _, ok := g.userIDs[userID]; ok {
		return true
	}
	_, ok := g.emails[strings.ToLower(email)]
	return ok
}

// Handler rejects requests from non-staff users. It must run after AuthMiddleware.
func (g *StaffGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := internalhttputil.RequireUserID(w, r)
		if !ok {
			return
		}
		ctx := r.Context()
		if !g.IsStaff(userID, GetUserEmail(ctx), GetUserRole(ctx)) {
			g.logger.LogSecurityEvent(ctx, "staff_access_denied", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			internalhttputil.WriteError(w, r, errors.Forbidden("staff access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
