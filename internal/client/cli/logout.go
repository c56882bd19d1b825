package cli

import (
	"context"
	"errors"

	"github.com/iudanet/synckit/internal/client/account"
)

func (c *Cli) runLogout(ctx context.Context) error {
	identity, err := c.accounts.Status(ctx)
	if err != nil {
		if errors.Is(err, account.ErrNotLoggedIn) {
			c.io.Println("Not logged in.")
			return nil
		}
		return err
	}

	// Разблокировка нужна для отзыва токенов на сервере; без пароля
	// выполняется только локальный выход.
	if _, err := c.unlock(ctx); err != nil {
		c.io.Printf("Warning: could not unlock session (%v), performing local logout only\n", err)
	}

	if err := c.accounts.Logout(ctx); err != nil {
		return err
	}
	c.session = nil

	c.io.Printf("Logged out %s.\n", identity.Username)
	return nil
}
