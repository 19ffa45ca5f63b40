package circulation

import (
	"github.com/gorilla/mux"
)

// =============================================================================
// API Routes
// =============================================================================

func (s *Service) registerRoutes(router *mux.Router, staff ...mux.MiddlewareFunc) {
	router.HandleFunc("/catalog", s.handleCatalog).Methods("GET")

	sr := router.PathPrefix("/staff").Subrouter()
	for _, mw := range staff {
		sr.Use(mw)
	}

	sr.HandleFunc("/books", s.handleListBooks).Methods("GET")
	sr.HandleFunc("/books", s.handleTrashAllBooks).Methods("DELETE")
	// Registered before /books/{id} so "search" is not taken for an ID.
	sr.HandleFunc("/books/search", s.handleSearchBooks).Methods("GET")
	sr.HandleFunc("/books/{id}", s.handleTrashBook).Methods("DELETE")
	sr.HandleFunc("/books/{id}/cover", s.handleUploadCover).Methods("PUT")

	sr.HandleFunc("/loans", s.handleListLoans).Methods("GET")
	sr.HandleFunc("/loans", s.handleCreateLoan).Methods("POST")
	sr.HandleFunc("/loans/{id}/items", s.handleLoanItems).Methods("GET")
	sr.HandleFunc("/loans/{id}/return", s.handleReturnLoan).Methods("POST")

	sr.HandleFunc("/members", s.handleListMembers).Methods("GET")
	sr.HandleFunc("/members", s.handleCreateMember).Methods("POST")
	sr.HandleFunc("/members/{id}/loans", s.handleMemberLoans).Methods("GET")
}
