package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/librarysingkat/circulation/services/circulation"
)

func membersCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List and register members",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members by member code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				members, err := svc.Members(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(members))
				for _, m := range members {
					rows = append(rows, []string{m.ID, m.MemberCode, m.Name, deref(m.Email), deref(m.Phone)})
				}
				return env.render(cmd.OutOrStdout(), members, []string{"ID", "CODE", "NAME", "EMAIL", "PHONE"}, rows)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Register a member with a generated member code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				member, err := svc.QuickCreateMember(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if env.jsonOutput {
					return printJSON(cmd.OutOrStdout(), member)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", member.MemberCode, member.Name, member.ID)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "loans <member-id>",
		Short: "Show the books a member has out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd, func(ctx context.Context, svc *circulation.Service) error {
				current, err := svc.MemberCurrentLoans(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(current))
				for _, r := range current {
					rows = append(rows, []string{r.LoanID, r.BookTitle, itoa(r.Qty), r.LoanDate, r.DueDate, r.Status})
				}
				return env.render(cmd.OutOrStdout(), current,
					[]string{"LOAN", "TITLE", "QTY", "LOANED", "DUE", "STATUS"}, rows)
			})
		},
	})

	return cmd
}
