package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runSync(ctx context.Context) error {
	session, err := c.unlock(ctx)
	if err != nil {
		return err
	}

	service, err := c.syncService(session)
	if err != nil {
		return err
	}

	c.io.Println("Syncing...")

	result, err := service.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	c.io.Println("Sync complete.")
	c.io.Printf("Applied:   %d\n", result.Applied)
	c.io.Printf("Uploaded:  %d\n", result.Uploaded)
	if result.Malformed > 0 {
		c.io.Printf("Malformed: %d (skipped)\n", result.Malformed)
	}
	if result.FailedUploads > 0 {
		c.io.Printf("Failed uploads: %d\n", result.FailedUploads)
	}
	return nil
}
