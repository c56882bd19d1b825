package cli

import (
	"context"
	"fmt"
)

// Run выполняет одну команду и возвращает ее ошибку
func (c *Cli) Run(ctx context.Context, command string, args []string) error {
	switch command {
	case "register":
		return c.runRegister(ctx)
	case "login":
		return c.runLogin(ctx)
	case "logout":
		return c.runLogout(ctx)
	case "status":
		return c.runStatus(ctx)
	case "sync":
		return c.runSync(ctx)
	case "card-add":
		return c.runCardAdd(ctx)
	case "card-list":
		return c.runCardList(ctx)
	case "card-get":
		return c.runCardGet(ctx, args)
	case "card-delete":
		return c.runCardDelete(ctx, args)
	case "card-touch":
		return c.runCardTouch(ctx, args)
	case "experiments":
		return c.runExperiments(ctx)
	case "opt-in":
		return c.runOptIn(ctx, args)
	case "opt-out":
		return c.runOptOut(ctx, args)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}
