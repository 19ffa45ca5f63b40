package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/librarysingkat/circulation/internal/domain/library"
)

// Policy holds circulation rules that operators tune without a rebuild.
type Policy struct {
	LoanPeriodDays       int           `yaml:"loan_period_days"`
	CatalogCacheTTL      time.Duration `yaml:"catalog_cache_ttl"`
	OverdueSweepSchedule string        `yaml:"overdue_sweep_schedule"`
	StaffUserIDs         []string      `yaml:"staff_user_ids"`
	StaffEmails          []string      `yaml:"staff_emails"`
	CoverBucket          string        `yaml:"cover_bucket"`
}

// DefaultPolicy matches the database defaults.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriodDays:       library.DefaultLoanPeriodDays,
		CatalogCacheTTL:      time.Minute,
		OverdueSweepSchedule: "@every 15m",
		CoverBucket:          "covers",
	}
}

// LoadPolicy reads a YAML policy file. Unset fields keep their defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return &policy, nil
}

// Validate rejects periods and schedules the service cannot run with.
func (p Policy) Validate() error {
	if p.LoanPeriodDays <= 0 {
		return fmt.Errorf("loan_period_days must be positive, got %d", p.LoanPeriodDays)
	}
	if p.CatalogCacheTTL < 0 {
		return fmt.Errorf("catalog_cache_ttl must not be negative")
	}
	if p.OverdueSweepSchedule != "" {
		if _, err := cron.ParseStandard(p.OverdueSweepSchedule); err != nil {
			return fmt.Errorf("overdue_sweep_schedule: %w", err)
		}
	}
	return nil
}

// UsesDatabaseDueDate reports whether the database trigger's period applies, so
// new loans can leave due_date unset.
func (p Policy) UsesDatabaseDueDate() bool {
	return p.LoanPeriodDays == library.DefaultLoanPeriodDays
}
