package library

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// containsFold reports whether s contains substr under Unicode case folding.
func containsFold(s, substr string) bool {
	fold := cases.Fold()
	return strings.Contains(fold.String(s), fold.String(substr))
}

func optionalContainsFold(s *string, substr string) bool {
	return s != nil && containsFold(*s, substr)
}

// FilterCatalog returns the books whose title, author, category or ISBN contain
// query, ignoring case. A blank query returns books unchanged.
func FilterCatalog(books []Book, query string) []Book {
	q := strings.TrimSpace(query)
	if q == "" {
		return books
	}

	out := make([]Book, 0, len(books))
	for _, b := range books {
		if containsFold(b.Title, q) ||
			optionalContainsFold(b.Author, q) ||
			optionalContainsFold(b.Category, q) ||
			optionalContainsFold(b.ISBN, q) {
			out = append(out, b)
		}
	}
	return out
}

// SortByTitle orders books by title with case-insensitive collation.
func SortByTitle(books []Book) {
	c := collate.New(language.Und, collate.IgnoreCase)
	sort.SliceStable(books, func(i, j int) bool {
		return c.CompareString(books[i].Title, books[j].Title) < 0
	})
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes the LIKE wildcards in s so it matches only itself. The escape
// character is the Postgres default, a backslash.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// SameName reports whether two member names are equal ignoring case and
// surrounding whitespace.
func SameName(a, b string) bool {
	fold := cases.Fold()
	return fold.String(strings.TrimSpace(a)) == fold.String(strings.TrimSpace(b))
}
