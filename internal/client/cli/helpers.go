package cli

import (
	"fmt"
	"strconv"
)

// maskCardNumber маскирует номер карты, оставляя последние 4 цифры
func maskCardNumber(number string) string {
	if len(number) < 4 {
		return "****-****-****-****"
	}
	return "****-****-****-" + number[len(number)-4:]
}

// readInt читает целое число из ввода
func (c *Cli) readInt(prompt string) (int64, error) {
	input, err := c.io.ReadInput(prompt)
	if err != nil {
		return 0, fmt.Errorf("failed to read input: %w", err)
	}
	value, err := strconv.ParseInt(input, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q", input)
	}
	return value, nil
}
