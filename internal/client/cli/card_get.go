package cli

import (
	"context"
	"fmt"
	"time"
)

func (c *Cli) runCardGet(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: synckit card-get <guid>")
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

	card, err := service.Get(ctx, guid)
	if err != nil {
		return err
	}

	c.io.Printf("Guid:         %s\n", card.Guid)
	c.io.Printf("Name on card: %s\n", card.NameOnCard)
	c.io.Printf("Number:       %s\n", card.Number)
	c.io.Printf("Type:         %s\n", card.CardType)
	c.io.Printf("Expires:      %02d/%d\n", card.ExpMonth, card.ExpYear)
	c.io.Printf("Times used:   %d\n", card.TimesUsed)
	if card.TimeLastUsed > 0 {
		c.io.Printf("Last used:    %s\n", time.UnixMilli(card.TimeLastUsed).Format(time.RFC3339))
	}
	return nil
}
