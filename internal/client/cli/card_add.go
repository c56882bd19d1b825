package cli

import (
	"context"
	"fmt"

	"github.com/iudanet/synckit/internal/models"
)

func (c *Cli) runCardAdd(ctx context.Context) error {
	session, err := c.unlock(ctx)
	if err != nil {
		return err
	}
	service, err := c.cardsService(session)
	if err != nil {
		return err
	}

	c.io.Println("=== Add card ===")
	c.io.Println()

	name, err := c.io.ReadInput("Name on card: ")
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	number, err := c.io.ReadInput("Card number: ")
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	cardType, err := c.io.ReadInput("Card type (visa, mastercard, ...): ")
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	expMonth, err := c.readInt("Expiration month (1-12): ")
	if err != nil {
		return err
	}
	expYear, err := c.readInt("Expiration year: ")
	if err != nil {
		return err
	}

	card, err := service.Add(ctx, models.CardFields{
		NameOnCard: name,
		Number:     number,
		CardType:   cardType,
		ExpMonth:   expMonth,
		ExpYear:    expYear,
	})
	if err != nil {
		return err
	}

	c.io.Println()
	c.io.Printf("Card added: %s\n", card.Guid)
	c.io.Println("Run 'synckit sync' to upload it to the server.")
	return nil
}
