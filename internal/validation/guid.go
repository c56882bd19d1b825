package validation

import (
	"fmt"
	"regexp"
)

// GuidPattern определяет допустимый формат guid записи.
// Только символы URL-safe base64 алфавита: буквы, цифры, "-" и "_".
// Guid регистрозависимый, длина 1-64 байта.
var GuidPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const (
	// MaxGuidLen максимальная длина guid
	MaxGuidLen = 64
)

// ValidateGuid проверяет, что guid соответствует требованиям.
// Формат: URL-safe base64 алфавит, длина 1-64 байта, регистрозависимый.
func ValidateGuid(guid string) error {
	if guid == "" {
		return fmt.Errorf("guid cannot be empty")
	}

	if len(guid) > MaxGuidLen {
		return fmt.Errorf("guid must not exceed %d bytes", MaxGuidLen)
	}

	if !GuidPattern.MatchString(guid) {
		return fmt.Errorf("guid can only contain letters, numbers, '-' and '_'")
	}

	return nil
}
