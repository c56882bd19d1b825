package experiments

import "errors"

var (
	// ErrNoSuchExperiment эксперимент с таким slug неизвестен клиенту
	ErrNoSuchExperiment = errors.New("no such experiment")
	// ErrNoSuchBranch эксперимент не содержит запрошенной ветки
	ErrNoSuchBranch = errors.New("no such branch")
)
