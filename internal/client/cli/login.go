package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runLogin(ctx context.Context) error {
	c.io.Println("=== Login ===")
	c.io.Println()

	username, err := c.io.ReadInput("Username: ")
	if err != nil {
		return fmt.Errorf("failed to read username: %w", err)
	}

	password, err := c.getMasterPassword()
	if err != nil {
		return err
	}

	session, err := c.accounts.Login(ctx, username, password)
	if err != nil {
		return err
	}
	c.session = session

	c.io.Println()
	c.io.Println("Login successful.")
	c.io.Printf("Username: %s\n", session.Data.Username)
	c.io.Println("The session has been saved; tokens are encrypted with a key derived from the master password.")
	return nil
}
