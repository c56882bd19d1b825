// Package iocli абстрагирует терминальный ввод-вывод команд клиента,
// чтобы команды можно было тестировать со скриптованным вводом.
package iocli

//go:generate moq -out io_mock.go . IO

// IO - терминал глазами команды
type IO interface {
	Println(a ...any)
	Printf(format string, a ...any)

	// ReadInput читает строку, обрезая завершающие пробелы
	ReadInput(prompt string) (string, error)

	// ReadPassword читает секрет без эха.
	// Вне терминала (pipe, тест) читается обычная строка.
	ReadPassword(prompt string) (string, error)

	Write(p []byte) (n int, err error)
}
