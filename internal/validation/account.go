package validation

import (
	"fmt"
	"regexp"
)

// UsernamePattern определяет допустимый формат имени пользователя:
// буквы, цифры, "-", "_" и ".", длина 3-64 символа.
var UsernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,64}$`)

const (
	// MinPasswordLen минимальная длина master password
	MinPasswordLen = 8
	// MaxPasswordLen максимальная длина master password
	MaxPasswordLen = 128
)

// ValidateUsername проверяет формат имени пользователя
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if !UsernamePattern.MatchString(username) {
		return fmt.Errorf("username must be 3-64 characters of letters, numbers, '-', '_' or '.'")
	}
	return nil
}

// ValidatePassword проверяет длину master password.
// Содержимое не ограничивается.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLen {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLen)
	}
	if len(password) > MaxPasswordLen {
		return fmt.Errorf("password must not exceed %d characters", MaxPasswordLen)
	}
	return nil
}
