// Package interrupt реализует кооперативную отмену длинных операций.
// Длинные циклы (реконсилер, evolver) периодически опрашивают хэндл
// и прерываются с ErrInterrupted; транзакция при этом откатывается.
package interrupt

import (
	"errors"
	"sync/atomic"
)

// ErrInterrupted возвращается при кооперативной отмене.
// Никогда не фатальна - вызывающая сторона повторяет операцию.
var ErrInterrupted = errors.New("operation was interrupted")

// Scope владеет счётчиком поколений отмены. Interrupt() делает
// недействительными все ранее выданные хэндлы.
type Scope struct {
	generation atomic.Int64
}

// NewScope создает новый interruption scope
func NewScope() *Scope {
	return &Scope{}
}

// Interrupt отменяет все операции, начатые до этого вызова
func (s *Scope) Interrupt() {
	s.generation.Add(1)
}

// Begin выдает хэндл для одной операции. Хэндл становится
// недействительным после следующего вызова Interrupt.
func (s *Scope) Begin() *Interruptee {
	return &Interruptee{
		scope: s,
		start: s.generation.Load(),
	}
}

// Interruptee - хэндл одной длинной операции
type Interruptee struct {
	scope *Scope
	start int64
}

// Interrupted сообщает, была ли операция отменена
func (i *Interruptee) Interrupted() bool {
	if i == nil {
		return false
	}
	return i.scope.generation.Load() != i.start
}

// Err возвращает ErrInterrupted если операция отменена, иначе nil.
// Вызывается между точками приостановки (сеть, crypto, SQL).
func (i *Interruptee) Err() error {
	if i.Interrupted() {
		return ErrInterrupted
	}
	return nil
}
