package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/librarysingkat/circulation/internal/domain/library"
	"github.com/librarysingkat/circulation/services/circulation"
)

func bookRows(books []library.Book) [][]string {
	rows := make([][]string, 0, len(books))
	for _, b := range books {
		rows = append(rows, []string{
			b.ID,
			b.Title,
			deref(b.Author),
			deref(b.Category),
			fmt.Sprintf("%d/%d", b.AvailableCopies, b.TotalCopies),
		})
	}
	return rows
}

var bookHeader = []string{"ID", "TITLE", "AUTHOR", "CATEGORY", "AVAILABLE"}

// catalog [query]: available books matching title, author or category.
func catalogCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog [query]",
		Short: "Search the patron catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				books, err := svc.Catalog(ctx, query)
				if err != nil {
					return err
				}
				return env.render(cmd.OutOrStdout(), books, bookHeader, bookRows(books))
			})
		},
	}
}

func booksCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "books",
		Short: "Manage book inventory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every book that is not in the trash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				books, err := svc.StaffBooks(ctx)
				if err != nil {
					return err
				}
				return env.render(cmd.OutOrStdout(), books, bookHeader, bookRows(books))
			})
		},
	})

	var selected []string
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Find lendable books for a new loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				books, err := svc.SearchLoanBooks(ctx, args[0], selected)
				if err != nil {
					return err
				}
				return env.render(cmd.OutOrStdout(), books, bookHeader, bookRows(books))
			})
		},
	}
	search.Flags().StringSliceVar(&selected, "selected", nil, "book IDs already on the loan")
	cmd.AddCommand(search)

	var all bool
	trash := &cobra.Command{
		Use:   "trash [book-id]",
		Short: "Move one book, or every book with --all, to the trash",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no book ID")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("expected a book ID or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				if all {
					remaining, err := svc.TrashAllBooks(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "all books moved to trash (%d remaining)\n", len(remaining))
					return nil
				}
				if err := svc.TrashBook(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "book %s moved to trash\n", args[0])
				return nil
			})
		},
	}
	trash.Flags().BoolVar(&all, "all", false, "trash every book")
	cmd.AddCommand(trash)

	cmd.AddCommand(&cobra.Command{
		Use:   "cover <book-id> <image-file>",
		Short: "Upload a cover image (JPEG, PNG or WebP)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filepath.Clean(args[1]))
			if err != nil {
				return err
			}
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				url, err := svc.UploadCover(ctx, args[0], data, http.DetectContentType(data))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				return nil
			})
		},
	})

	return cmd
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
