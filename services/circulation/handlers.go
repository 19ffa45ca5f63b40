package circulation

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/librarysingkat/circulation/internal/domain/library"
	svcerrors "github.com/librarysingkat/circulation/internal/errors"
	"github.com/librarysingkat/circulation/internal/httputil"
)

// maxCoverBytes bounds cover image uploads.
const maxCoverBytes = 5 << 20

// CreateLoanRequest is the body of POST /staff/loans.
type CreateLoanRequest struct {
	// MemberID selects an existing member; MemberName is used when it is empty.
	MemberID   string   `json:"member_id,omitempty"`
	MemberName string   `json:"member_name,omitempty"`
	LoanDate   string   `json:"loan_date,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	BookIDs    []string `json:"book_ids"`
}

// CreateMemberRequest is the body of POST /staff/members.
type CreateMemberRequest struct {
	Name string `json:"name"`
}

type trashResponse struct {
	Books []library.Book `json:"books"`
}

type coverResponse struct {
	CoverURL string `json:"cover_url"`
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := toServiceError(err)
	if se.HTTPStatus >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Warn("Circulation request failed")
	}
	httputil.WriteError(w, r, se)
}

// =============================================================================
// HTTP Handlers
// =============================================================================

func (s *Service) handleCatalog(w http.ResponseWriter, r *http.Request) {
	books, err := s.Catalog(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, books)
}

func (s *Service) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.StaffBooks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, books)
}

func (s *Service) handleTrashAllBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.TrashAllBooks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, trashResponse{Books: books})
}

func (s *Service) handleTrashBook(w http.ResponseWriter, r *http.Request) {
	if err := s.TrashBook(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSearchBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	books, err := s.SearchLoanBooks(r.Context(), q.Get("q"), splitIDs(q["selected"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, books)
}

func (s *Service) handleUploadCover(w http.ResponseWriter, r *http.Request) {
	data, err := httputil.ReadAllStrict(r.Body, maxCoverBytes)
	if err != nil {
		httputil.WriteError(w, r, svcerrors.BadRequest(err.Error()))
		return
	}
	if len(data) == 0 {
		httputil.WriteError(w, r, svcerrors.BadRequest("cover image is empty"))
		return
	}

	coverURL, err := s.UploadCover(r.Context(), mux.Vars(r)["id"], data, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, coverResponse{CoverURL: coverURL})
}

func (s *Service) handleListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := s.Loans(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loans)
}

func (s *Service) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	draft := library.NewLoanDraft(s.now())
	draft.MemberName = req.MemberName
	draft.Notes = req.Notes
	for _, id := range req.BookIDs {
		if id = strings.TrimSpace(id); id != "" {
			draft.Select(id)
		}
	}
	if req.LoanDate != "" {
		loanDate, err := library.ParseISODate(req.LoanDate)
		if err != nil {
			httputil.WriteError(w, r, svcerrors.InvalidFormat("loan_date", "YYYY-MM-DD"))
			return
		}
		draft.LoanDate = loanDate
	}
	if req.MemberID != "" {
		member, err := s.memberByID(r, req.MemberID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		draft.PickedMember = member
	}

	created, err := s.CreateLoan(r.Context(), draft)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

// memberByID resolves a picked member from the member list.
func (s *Service) memberByID(r *http.Request, id string) (*library.Member, error) {
	members, err := s.Members(r.Context())
	if err != nil {
		return nil, err
	}
	for i := range members {
		if members[i].ID == id {
			return &members[i], nil
		}
	}
	return nil, svcerrors.NotFound("member", id)
}

func (s *Service) handleLoanItems(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.LoanItems(r.Context(), mux.Vars(r)["id"]))
}

func (s *Service) handleReturnLoan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ReturnLoan(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": library.StatusReturned})
}

func (s *Service) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.Members(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, members)
}

func (s *Service) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	member, err := s.QuickCreateMember(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, member)
}

func (s *Service) handleMemberLoans(w http.ResponseWriter, r *http.Request) {
	rows, err := s.MemberCurrentLoans(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rows)
}

// splitIDs accepts both repeated and comma-separated query values.
func splitIDs(values []string) []string {
	var ids []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
