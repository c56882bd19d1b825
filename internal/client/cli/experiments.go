package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/iudanet/synckit/internal/models"
)

func (c *Cli) runExperiments(ctx context.Context) error {
	if err := c.nimbus.Initialize(ctx); err != nil {
		return err
	}
	if err := c.nimbus.FetchExperiments(ctx); err != nil {
		// Список показывается и без сети, по последнему снапшоту
		c.io.Printf("Warning: could not fetch experiments: %v\n", err)
	}

	events, err := c.nimbus.ApplyPendingExperiments(ctx)
	if err != nil {
		return err
	}
	c.printChangeEvents(events)

	active, err := c.nimbus.GetActiveExperiments(ctx)
	if err != nil {
		return err
	}

	if len(active) == 0 {
		c.io.Println("No active experiments.")
		return nil
	}

	c.io.Printf("Active experiments (%d):\n", len(active))
	for _, exp := range active {
		name := exp.UserFacingName
		if name == "" {
			name = exp.Slug
		}
		c.io.Printf("  %s  branch=%s  features=%s\n",
			name, exp.BranchSlug, strings.Join(exp.FeatureIDs, ","))
	}
	return nil
}

func (c *Cli) runOptIn(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: synckit opt-in <slug> <branch>")
	}

	if err := c.nimbus.Initialize(ctx); err != nil {
		return err
	}
	events, err := c.nimbus.OptInWithBranch(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	c.printChangeEvents(events)
	return nil
}

func (c *Cli) runOptOut(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: synckit opt-out <slug>")
	}

	if err := c.nimbus.Initialize(ctx); err != nil {
		return err
	}
	events, err := c.nimbus.OptOut(ctx, args[0])
	if err != nil {
		return err
	}
	c.printChangeEvents(events)
	return nil
}

func (c *Cli) printChangeEvents(events []models.EnrollmentChangeEvent) {
	for _, event := range events {
		switch event.Kind {
		case models.EventEnrollment:
			c.io.Printf("Enrolled in %s (branch %s)\n", event.ExperimentSlug, event.BranchSlug)
		case models.EventUnenrollment:
			c.io.Printf("Left %s\n", event.ExperimentSlug)
		case models.EventDisqualification:
			c.io.Printf("Disqualified from %s: %s\n", event.ExperimentSlug, event.Reason)
		case models.EventEnrollFailed:
			c.io.Printf("Enrollment into %s failed: %s\n", event.ExperimentSlug, event.Reason)
		}
	}
}
