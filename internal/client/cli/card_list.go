package cli

import (
	"context"
)

func (c *Cli) runCardList(ctx context.Context) error {
	session, err := c.unlock(ctx)
	if err != nil {
		return err
	}
	service, err := c.cardsService(session)
	if err != nil {
		return err
	}

	list, err := service.List(ctx)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		c.io.Println("No cards saved.")
		return nil
	}

	c.io.Printf("Cards (%d):\n", len(list))
	for _, card := range list {
		c.io.Printf("  %s  %-20s %s  %02d/%d\n",
			card.Guid, maskCardNumber(card.Last4), card.CardType, card.ExpMonth, card.ExpYear)
	}
	return nil
}
