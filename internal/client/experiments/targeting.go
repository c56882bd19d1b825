package experiments

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/iudanet/synckit/internal/models"
)

//go:generate moq -out targeting_mock.go . Evaluator

// Evaluator вычисляет targeting-выражение эксперимента против
// атрибутов клиента
type Evaluator interface {
	// Eval возвращает результат выражения.
	// Пустое выражение считается истинным.
	Eval(expression string, attributes *models.TargetingAttributes) (bool, error)
}

// CueEvaluator вычисляет targeting-выражения как CUE выражения
// в scope из атрибутов клиента. Атрибуты доступны по именам своих
// JSON полей: app_name == "myapp" && language == "en".
type CueEvaluator struct {
	ctx *cue.Context
}

var _ Evaluator = (*CueEvaluator)(nil)

// NewCueEvaluator создает вычислитель targeting-выражений
func NewCueEvaluator() *CueEvaluator {
	return &CueEvaluator{ctx: cuecontext.New()}
}

// Eval вычисляет выражение. Ошибка компиляции или небулев результат
// дают ошибку; зачисление при этом помечается статусом Error, а не
// рушит обработку остальных экспериментов.
func (e *CueEvaluator) Eval(expression string, attributes *models.TargetingAttributes) (bool, error) {
	if expression == "" {
		return true, nil
	}

	// JSON атрибутов - валидный CUE документ
	data, err := json.Marshal(attributes)
	if err != nil {
		return false, fmt.Errorf("failed to encode targeting attributes: %w", err)
	}
	scope := e.ctx.CompileBytes(data)
	if err := scope.Err(); err != nil {
		return false, fmt.Errorf("failed to build targeting scope: %w", err)
	}

	value := e.ctx.CompileString(expression, cue.Scope(scope))
	if err := value.Err(); err != nil {
		return false, fmt.Errorf("failed to compile targeting expression: %w", err)
	}

	result, err := value.Bool()
	if err != nil {
		return false, fmt.Errorf("targeting expression is not boolean: %w", err)
	}
	return result, nil
}
