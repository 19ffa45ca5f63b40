package circulation

import (
	"errors"
	"net/http"

	"github.com/librarysingkat/circulation/internal/domain/library"
	svcerrors "github.com/librarysingkat/circulation/internal/errors"
	"github.com/librarysingkat/circulation/services/circulation/supabase"
	"github.com/librarysingkat/circulation/supabase/client"
)

// ErrLoanSaving is returned when a draft is submitted while already saving.
var ErrLoanSaving = errors.New("loan is already being saved")

// toServiceError maps a circulation error onto the HTTP taxonomy. Remote failures
// keep their message verbatim.
func toServiceError(err error) *svcerrors.ServiceError {
	if se := svcerrors.GetServiceError(err); se != nil {
		return se
	}
	switch {
	case errors.Is(err, library.ErrMemberNameRequired),
		errors.Is(err, library.ErrNoBooksSelected),
		errors.Is(err, library.ErrMemberNameEmpty),
		errors.Is(err, ErrUnsupportedCover):
		return svcerrors.Validation(err.Error(), err)
	case errors.Is(err, supabase.ErrLoanNotFound):
		return svcerrors.NotFound("loan", "")
	case errors.Is(err, ErrLoanSaving):
		return svcerrors.BadRequest(err.Error())
	case errors.Is(err, ErrCoversDisabled):
		return svcerrors.Unavailable(err.Error(), err)
	case client.IsAPIStatus(err, http.StatusUnauthorized):
		return svcerrors.Unauthorized(err.Error())
	default:
		return svcerrors.Upstream(err)
	}
}
