package cli

import (
	"context"
	"errors"

	"github.com/iudanet/synckit/internal/client/account"
)

func (c *Cli) runStatus(ctx context.Context) error {
	identity, err := c.accounts.Status(ctx)
	if err != nil {
		if errors.Is(err, account.ErrNotLoggedIn) {
			c.io.Println("Not logged in. Run 'synckit login' first.")
			return nil
		}
		return err
	}

	c.io.Println("Logged in.")
	c.io.Printf("Username: %s\n", identity.Username)
	if identity.UserID != "" {
		c.io.Printf("User ID:  %s\n", identity.UserID)
	}
	return nil
}
