package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runCardTouch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: synckit card-touch <guid>")
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

	if err := service.Touch(ctx, guid); err != nil {
		return err
	}

	c.io.Printf("Card %s marked as used.\n", guid)
	return nil
}
