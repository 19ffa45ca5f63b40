package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/librarysingkat/circulation/internal/domain/library"
	"github.com/librarysingkat/circulation/services/circulation"
)

func loansCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loans",
		Short: "List, create and return loans",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loans, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				loans, err := svc.Loans(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(loans))
				for _, l := range loans {
					rows = append(rows, []string{l.ID, l.MemberCode, l.MemberName, l.LoanDate, l.DueDate, l.Status})
				}
				return env.render(cmd.OutOrStdout(), loans,
					[]string{"ID", "MEMBER", "NAME", "LOANED", "DUE", "STATUS"}, rows)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "items <loan-id>",
		Short: "Show the books on a loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				items := svc.LoanItems(ctx, args[0])
				rows := make([][]string, 0, len(items))
				for _, it := range items {
					rows = append(rows, []string{it.BookID, deref(it.BookTitle), itoa(it.Qty), itoa(it.ReturnedQty)})
				}
				return env.render(cmd.OutOrStdout(), items, []string{"BOOK", "TITLE", "QTY", "RETURNED"}, rows)
			})
		},
	})

	cmd.AddCommand(createLoanCmd(env))

	cmd.AddCommand(&cobra.Command{
		Use:   "return <loan-id>",
		Short: "Return every book on a loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				if err := svc.ReturnLoan(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loan %s returned\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Count overdue loans now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				n, err := svc.SweepOverdue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d overdue loans\n", n)
				return nil
			})
		},
	})

	return cmd
}

// loans create (--member <name> | --member-id <id>) --book <id>... [--date YYYY-MM-DD] [--notes text]
func createLoanCmd(env *Env) *cobra.Command {
	var (
		memberName string
		memberID   string
		bookIDs    []string
		loanDate   string
		notes      string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Lend books to a member, registering the member when new",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				draft := library.NewLoanDraft(svc.Today())
				draft.MemberName = memberName
				draft.Notes = notes
				for _, id := range bookIDs {
					draft.Select(id)
				}
				if loanDate != "" {
					d, err := library.ParseISODate(loanDate)
					if err != nil {
						return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
					}
					draft.LoanDate = d
				}
				if memberID != "" {
					member, err := findMemberByID(ctx, svc, memberID)
					if err != nil {
						return err
					}
					draft.PickedMember = member
				}

				created, err := svc.CreateLoan(ctx, draft)
				if err != nil {
					return err
				}
				if env.jsonOutput {
					return printJSON(cmd.OutOrStdout(), created)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loan %s for %s (%s): %d books, due %s\n",
					created.LoanID, created.Member.Name, created.Member.MemberCode, len(created.Items), created.DueDate)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&memberName, "member", "", "member name; registered when not found")
	cmd.Flags().StringVar(&memberID, "member-id", "", "existing member ID")
	cmd.Flags().StringSliceVar(&bookIDs, "book", nil, "book ID to lend (repeatable)")
	cmd.Flags().StringVar(&loanDate, "date", "", "loan date (default today)")
	cmd.Flags().StringVar(&notes, "notes", "", "loan notes")
	return cmd
}

func findMemberByID(ctx context.Context, svc *circulation.Service, id string) (*library.Member, error) {
	members, err := svc.Members(ctx)
	if err != nil {
		return nil, err
	}
	for i := range members {
		if members[i].ID == id {
			return &members[i], nil
		}
	}
	return nil, fmt.Errorf("member %s not found", id)
}
