// Package seed loads a YAML fixture of books and members into a circulation
// database, either through PostgREST or directly over SQL.
package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	"github.com/librarysingkat/circulation/supabase/client"
)

// bookNamespace derives stable book IDs so reseeding updates rows in place.
var bookNamespace = uuid.MustParse("6f1c1d2e-4b7a-4f55-9a53-0d7f3c1b8e21")

// Book is one seeded title.
type Book struct {
	ID            string  `yaml:"-" json:"id" db:"id"`
	Title         string  `yaml:"title" json:"title" db:"title"`
	Author        *string `yaml:"author" json:"author" db:"author"`
	Category      *string `yaml:"category" json:"category" db:"category"`
	ISBN          *string `yaml:"isbn" json:"isbn" db:"isbn"`
	PublishedYear *int    `yaml:"published_year" json:"published_year" db:"published_year"`
	Copies        int     `yaml:"copies" json:"total_copies" db:"total_copies"`
}

// Member is one seeded patron.
type Member struct {
	MemberCode string  `yaml:"member_code" json:"member_code" db:"member_code"`
	Name       string  `yaml:"name" json:"name" db:"name"`
	Email      *string `yaml:"email" json:"email" db:"email"`
	Phone      *string `yaml:"phone" json:"phone" db:"phone"`
	Address    *string `yaml:"address" json:"address" db:"address"`
}

// Data is a seed fixture.
type Data struct {
	Books   []Book   `yaml:"books"`
	Members []Member `yaml:"members"`
}

// Load reads and validates a fixture, assigning each book its stable ID.
func Load(path string) (*Data, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var data Data
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if err := data.normalize(); err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return &data, nil
}

func (d *Data) normalize() error {
	codes := make(map[string]struct{}, len(d.Members))
	for i := range d.Members {
		m := &d.Members[i]
		m.Name = strings.TrimSpace(m.Name)
		m.MemberCode = strings.TrimSpace(m.MemberCode)
		if m.Name == "" || m.MemberCode == "" {
			return fmt.Errorf("member %d needs name and member_code", i+1)
		}
		if _, dup := codes[m.MemberCode]; dup {
			return fmt.Errorf("duplicate member_code %s", m.MemberCode)
		}
		codes[m.MemberCode] = struct{}{}
	}

	for i := range d.Books {
		b := &d.Books[i]
		b.Title = strings.TrimSpace(b.Title)
		if b.Title == "" {
			return fmt.Errorf("book %d needs a title", i+1)
		}
		if b.Copies <= 0 {
			b.Copies = 1
		}
		key := b.Title
		if b.ISBN != nil && *b.ISBN != "" {
			key = *b.ISBN
		}
		b.ID = uuid.NewSHA1(bookNamespace, []byte(key)).String()
	}
	return nil
}

// Result counts the rows written.
type Result struct {
	Books   int
	Members int
}

// bookRow is a book as written; available copies start at the total.
type bookRow struct {
	Book
	AvailableCopies int `json:"available_copies" db:"available_copies"`
}

func (d *Data) bookRows() []bookRow {
	rows := make([]bookRow, len(d.Books))
	for i, b := range d.Books {
		rows[i] = bookRow{Book: b, AvailableCopies: b.Copies}
	}
	return rows
}

// Supabase upserts the fixture through PostgREST. The client needs a key allowed to
// write books and members, normally the service role key.
func Supabase(ctx context.Context, c *client.Client, data *Data) (Result, error) {
	var res Result
	if len(data.Members) > 0 {
		resp, err := c.From("members").Upsert("member_code").Select("id").ExecuteInsert(ctx, data.Members)
		if err == nil {
			err = resp.Error()
		}
		if err != nil {
			return res, fmt.Errorf("seed members: %w", err)
		}
		res.Members = len(data.Members)
	}
	if len(data.Books) > 0 {
		resp, err := c.From("books").Upsert("id").Select("id").ExecuteInsert(ctx, data.bookRows())
		if err == nil {
			err = resp.Error()
		}
		if err != nil {
			return res, fmt.Errorf("seed books: %w", err)
		}
		res.Books = len(data.Books)
	}
	return res, nil
}

const (
	upsertMemberSQL = `insert into members (member_code, name, email, phone, address)
values (:member_code, :name, :email, :phone, :address)
on conflict (member_code) do update
set name = excluded.name, email = excluded.email, phone = excluded.phone, address = excluded.address`

	upsertBookSQL = `insert into books (id, title, author, category, isbn, published_year, total_copies, available_copies)
values (:id, :title, :author, :category, :isbn, :published_year, :total_copies, :available_copies)
on conflict (id) do update
set title = excluded.title, author = excluded.author, category = excluded.category,
    isbn = excluded.isbn, published_year = excluded.published_year, total_copies = excluded.total_copies`
)

// Postgres upserts the fixture in one transaction. Reseeding keeps each book's
// available copies.
func Postgres(ctx context.Context, db *sqlx.DB, data *Data) (res Result, err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, m := range data.Members {
		if _, err = tx.NamedExecContext(ctx, upsertMemberSQL, m); err != nil {
			return Result{}, fmt.Errorf("seed member %s: %w", m.MemberCode, err)
		}
	}
	for _, b := range data.bookRows() {
		if _, err = tx.NamedExecContext(ctx, upsertBookSQL, b); err != nil {
			return Result{}, fmt.Errorf("seed book %q: %w", b.Title, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Books: len(data.Books), Members: len(data.Members)}, nil
}
