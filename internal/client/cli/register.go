package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runRegister(ctx context.Context) error {
	c.io.Println("=== Register ===")
	c.io.Println()

	username, err := c.io.ReadInput("Username: ")
	if err != nil {
		return fmt.Errorf("failed to read username: %w", err)
	}

	password, err := c.io.ReadPassword("Master password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	confirm, err := c.io.ReadPassword("Confirm password: ")
	if err != nil {
		return fmt.Errorf("failed to read password confirmation: %w", err)
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	if err := c.accounts.Register(ctx, username, password); err != nil {
		return err
	}

	c.io.Println()
	c.io.Println("Account registered.")
	c.io.Println("The master password never leaves this device; losing it means losing access to synced data.")
	c.io.Printf("Run 'synckit login' to start a session as %s.\n", username)
	return nil
}
