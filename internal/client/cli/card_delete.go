package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runCardDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: synckit card-delete <guid>")
	}
	guid := args[0]

	session, err := c.unlock(ctx)
	if err != nil {
		return err
	}
	service, err := c.cardsService(session)
	if err != nil {
		return err
	}

	if err := service.DeleteByID(ctx, guid); err != nil {
		return err
	}

	c.io.Printf("Card %s deleted.\n", guid)
	c.io.Println("The deletion will reach the server on the next sync.")
	return nil
}
