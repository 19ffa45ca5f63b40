package library

import (
	"fmt"
	"time"
)

// Loan statuses stored in loans.status and produced by the overdue views.
const (
	StatusOnLoan   = "ON_LOAN"
	StatusOverdue  = "OVERDUE"
	StatusReturned = "RETURNED"
)

// DefaultLoanPeriodDays matches the due-date trigger installed by the migrations.
const DefaultLoanPeriodDays = 7

// ISODateLayout is the wire format of loan and due dates.
const ISODateLayout = "2006-01-02"

// FormatISODate formats t as a calendar date in UTC.
func FormatISODate(t time.Time) string {
	return t.UTC().Format(ISODateLayout)
}

// ParseISODate parses a YYYY-MM-DD date at UTC midnight.
func ParseISODate(s string) (time.Time, error) {
	t, err := time.Parse(ISODateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

// DueDate returns loanDate plus periodDays calendar days. A non-positive period
// falls back to DefaultLoanPeriodDays.
func DueDate(loanDate time.Time, periodDays int) time.Time {
	if periodDays <= 0 {
		periodDays = DefaultLoanPeriodDays
	}
	return loanDate.AddDate(0, 0, periodDays)
}

// DueDateISO is DueDate formatted for the wire.
func DueDateISO(loanDate time.Time, periodDays int) string {
	return FormatISODate(DueDate(loanDate, periodDays))
}

// DeriveStatus computes the display status of a loan as of today. Returned loans
// stay returned; an on-loan loan whose due date is before today is overdue.
func DeriveStatus(status, dueDate string, today time.Time) (string, error) {
	if status != StatusOnLoan {
		return status, nil
	}
	due, err := ParseISODate(dueDate)
	if err != nil {
		return "", err
	}
	if due.Before(startOfDay(today)) {
		return StatusOverdue, nil
	}
	return StatusOnLoan, nil
}

// IsOverdue reports whether row is overdue as of today, preferring the view's
// computed status.
func IsOverdue(row LoanRow, today time.Time) bool {
	if row.ComputedStatus != nil && *row.ComputedStatus != "" {
		return *row.ComputedStatus == StatusOverdue
	}
	status, err := DeriveStatus(row.Status, row.DueDate, today)
	return err == nil && status == StatusOverdue
}

// CountOverdue counts overdue rows as of today.
func CountOverdue(rows []LoanRow, today time.Time) int {
	n := 0
	for _, row := range rows {
		if IsOverdue(row, today) {
			n++
		}
	}
	return n
}

// BuildLoanList joins rows with members. Unknown members render as "-". itemCount
// may be nil; loans it does not know about report zero items.
func BuildLoanList(rows []LoanRow, members []Member, itemCount func(loanID string) (int, bool)) []LoanListItem {
	byID := make(map[string]Member, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	items := make([]LoanListItem, 0, len(rows))
	for _, r := range rows {
		name, code := "-", "-"
		if m, ok := byID[r.MemberID]; ok {
			name, code = m.Name, m.MemberCode
		}
		count := 0
		if itemCount != nil {
			if n, ok := itemCount(r.ID); ok {
				count = n
			}
		}
		items = append(items, LoanListItem{
			ID:         r.ID,
			MemberName: name,
			MemberCode: code,
			LoanDate:   r.LoanDate,
			DueDate:    r.DueDate,
			Status:     r.DisplayStatus(),
			ItemCount:  count,
		})
	}
	return items
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
