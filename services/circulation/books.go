package circulation

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/librarysingkat/circulation/internal/domain/library"
)

// AvailableBooks returns the lendable books, served from the catalog cache.
func (s *Service) AvailableBooks(ctx context.Context) ([]library.Book, error) {
	return s.catalog.GetOrLoad(ctx, availableKey, s.repo.FetchAvailableBooks)
}

// Catalog returns the available books matching query. A blank query returns all of
// them.
func (s *Service) Catalog(ctx context.Context, query string) ([]library.Book, error) {
	books, err := s.AvailableBooks(ctx)
	if err != nil {
		return nil, err
	}
	return library.FilterCatalog(books, query), nil
}

// InvalidateCatalog drops the cached catalog.
func (s *Service) InvalidateCatalog(ctx context.Context) {
	if err := s.catalog.Invalidate(ctx, availableKey); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to invalidate catalog cache")
	}
}

// StaffBooks lists every book that is not deleted.
func (s *Service) StaffBooks(ctx context.Context) ([]library.Book, error) {
	return s.repo.FetchAllBooks(ctx)
}

// TrashAllBooks soft-deletes every book and returns the reloaded list.
func (s *Service) TrashAllBooks(ctx context.Context) ([]library.Book, error) {
	if err := s.repo.SoftDeleteAllBooks(ctx); err != nil {
		return nil, err
	}
	s.InvalidateCatalog(ctx)
	s.logger.WithContext(ctx).Info("All books moved to trash")
	return s.repo.FetchAllBooks(ctx)
}

// TrashBook soft-deletes one book.
func (s *Service) TrashBook(ctx context.Context, id string) error {
	if err := s.repo.SoftDeleteBook(ctx, id); err != nil {
		return err
	}
	s.InvalidateCatalog(ctx)
	s.logger.WithContext(ctx).WithField("book_id", id).Info("Book moved to trash")
	return nil
}

// SearchLoanBooks returns the books the create-loan picker offers for query,
// excluding the already selected ones.
func (s *Service) SearchLoanBooks(ctx context.Context, query string, selected []string) ([]library.Book, error) {
	books, err := s.AvailableBooks(ctx)
	if err != nil {
		return nil, err
	}
	draft := library.NewLoanDraft(s.now())
	draft.BookQuery = query
	for _, id := range selected {
		draft.Select(id)
	}
	return draft.FilteredBooks(books), nil
}

// coverExtensions maps accepted image types to object suffixes.
var coverExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// ErrUnsupportedCover is returned for cover uploads that are not JPEG, PNG or WebP.
var ErrUnsupportedCover = errors.New("cover must be image/jpeg, image/png or image/webp")

// ErrCoversDisabled is returned when no cover store is configured.
var ErrCoversDisabled = errors.New("cover uploads are not configured")

// UploadCover stores a cover image for a book and records its public URL.
func (s *Service) UploadCover(ctx context.Context, bookID string, data []byte, contentType string) (string, error) {
	if s.covers == nil {
		return "", ErrCoversDisabled
	}
	mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	ext, ok := coverExtensions[mediaType]
	if !ok {
		return "", ErrUnsupportedCover
	}

	objectPath := path.Join("books", bookID+ext)
	if err := s.covers.Upload(ctx, objectPath, data, mediaType, true); err != nil {
		return "", err
	}
	coverURL := s.covers.PublicURL(objectPath)
	if err := s.repo.UpdateBookCover(ctx, bookID, coverURL); err != nil {
		return "", err
	}
	s.InvalidateCatalog(ctx)
	return coverURL, nil
}
