package experiments

import (
	"fmt"
	"log/slog"

	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/pkg/api"
)

// Evolver пересчитывает состояние зачислений по новому списку
// экспериментов. Чистая логика: читает и возвращает значения,
// запись в базу делает вызывающая сторона.
type Evolver struct {
	evaluator   Evaluator
	coenrolling map[string]bool
	appContext  models.AppContext
	units       models.AvailableRandomizationUnits
	logger      *slog.Logger
	strict      bool
}

// NewEvolver создает evolver зачислений.
// coenrollingFeatures - фичи, допускающие несколько одновременных
// зачислений; strict включает строгий гейт доступности (release).
func NewEvolver(
	evaluator Evaluator,
	appContext models.AppContext,
	units models.AvailableRandomizationUnits,
	coenrollingFeatures []string,
	strict bool,
	logger *slog.Logger,
) *Evolver {
	coenrolling := make(map[string]bool, len(coenrollingFeatures))
	for _, feature := range coenrollingFeatures {
		coenrolling[feature] = true
	}
	return &Evolver{
		evaluator:   evaluator,
		coenrolling: coenrolling,
		appContext:  appContext,
		units:       units,
		logger:      logger,
		strict:      strict,
	}
}

// EvolveEnrollments пересчитывает все зачисления против нового списка
// экспериментов. Возвращает новое содержимое стора зачислений и события
// переходов. Ошибка по одному эксперименту дает его зачислению статус
// Error и не прерывает остальные.
func (e *Evolver) EvolveEnrollments(
	previous []models.ExperimentEnrollment,
	experiments []api.Experiment,
	attributes *models.TargetingAttributes,
) ([]models.ExperimentEnrollment, []models.EnrollmentChangeEvent) {
	prevBySlug := make(map[string]models.ExperimentEnrollment, len(previous))
	for _, enrollment := range previous {
		prevBySlug[enrollment.Slug] = enrollment
	}
	nextBySlug := make(map[string]bool, len(experiments))
	for i := range experiments {
		nextBySlug[experiments[i].Slug] = true
	}

	var (
		next   []models.ExperimentEnrollment
		events []models.EnrollmentChangeEvent
	)

	// Фичи, занятые уже зачисленными экспериментами; более ранний
	// эксперимент выигрывает конфликт
	claimed := make(map[string]string)

	for i := range experiments {
		experiment := &experiments[i]
		var prev *models.ExperimentEnrollment
		if enrollment, ok := prevBySlug[experiment.Slug]; ok {
			prev = &enrollment
		}

		enrollment, event := e.evolveExperiment(experiment, prev, attributes)

		if enrollment != nil && enrollment.IsEnrolled() {
			if conflict := e.claimFeatures(claimed, experiment, enrollment); conflict != "" {
				// Фича занята более ранним экспериментом
				enrollment = &models.ExperimentEnrollment{
					Slug: experiment.Slug,
					Status: models.EnrollmentStatus{
						Kind:   models.EnrollmentNotEnrolled,
						Reason: models.ReasonFeatureConflict,
					},
				}
				if prev != nil && prev.IsEnrolled() {
					event = &models.EnrollmentChangeEvent{
						ExperimentSlug: experiment.Slug,
						BranchSlug:     prev.Status.Branch,
						Reason:         models.ReasonFeatureConflict,
						Kind:           models.EventUnenrollment,
					}
				} else {
					event = nil
				}
				e.logger.Warn("Feature conflict",
					"experiment", experiment.Slug, "winner", conflict)
			}
		}

		if enrollment != nil {
			next = append(next, *enrollment)
		}
		if event != nil {
			events = append(events, *event)
		}
	}

	// Эксперименты, исчезнувшие с сервера: зачисленные завершаются,
	// терминальные состояния переживают до GC
	for _, enrollment := range previous {
		if nextBySlug[enrollment.Slug] {
			continue
		}
		switch enrollment.Status.Kind {
		case models.EnrollmentEnrolled:
			events = append(events, models.EnrollmentChangeEvent{
				ExperimentSlug: enrollment.Slug,
				BranchSlug:     enrollment.Status.Branch,
				Reason:         models.ReasonExperimentEnded,
				Kind:           models.EventUnenrollment,
			})
			next = append(next, models.ExperimentEnrollment{
				Slug: enrollment.Slug,
				Status: models.EnrollmentStatus{
					Kind:   models.EnrollmentWasEnrolled,
					Reason: models.ReasonExperimentEnded,
					Branch: enrollment.Status.Branch,
				},
			})
		case models.EnrollmentWasEnrolled, models.EnrollmentDisqualified:
			next = append(next, enrollment)
		}
		// NotEnrolled и Error по исчезнувшим экспериментам отбрасываются
	}

	return next, events
}

// evolveExperiment пересчитывает зачисление по одному эксперименту.
// nil зачисление означает "не хранить запись об этом эксперименте".
func (e *Evolver) evolveExperiment(
	experiment *api.Experiment,
	prev *models.ExperimentEnrollment,
	attributes *models.TargetingAttributes,
) (*models.ExperimentEnrollment, *models.EnrollmentChangeEvent) {
	enrolled := prev != nil && prev.IsEnrolled()

	// Терминальные состояния: не перезачисляем в пределах жизни nimbus_id
	if prev != nil {
		switch prev.Status.Kind {
		case models.EnrollmentWasEnrolled, models.EnrollmentDisqualified:
			return prev, nil
		}
	}

	// Гейт доступности приложения
	if !e.appContext.IsExperimentAvailable(experiment, e.strict) {
		if enrolled {
			return e.unenroll(experiment.Slug, prev, models.ReasonNotSelected)
		}
		return nil, nil
	}

	// Таргетинг
	targeted, err := e.evaluator.Eval(experiment.Targeting, attributes)
	if err != nil {
		return e.errorStatus(experiment.Slug, prev, fmt.Sprintf("targeting: %v", err))
	}
	if !targeted {
		if enrolled {
			enrollment, event := e.unenroll(experiment.Slug, prev, models.ReasonNotTargeted)
			enrollment.Status.Kind = models.EnrollmentDisqualified
			event.Kind = models.EventDisqualification
			return enrollment, event
		}
		return &models.ExperimentEnrollment{
			Slug: experiment.Slug,
			Status: models.EnrollmentStatus{
				Kind:   models.EnrollmentNotEnrolled,
				Reason: models.ReasonNotTargeted,
			},
		}, nil
	}

	// Пауза блокирует только новые зачисления
	if experiment.IsEnrollmentPaused && !enrolled {
		return &models.ExperimentEnrollment{
			Slug: experiment.Slug,
			Status: models.EnrollmentStatus{
				Kind:   models.EnrollmentNotEnrolled,
				Reason: models.ReasonEnrollmentsPaused,
			},
		}, nil
	}

	// Бакетирование
	unitValue, ok := e.units.ValueFor(experiment.BucketConfig.RandomizationUnit)
	if !ok {
		return e.errorStatus(experiment.Slug, prev,
			fmt.Sprintf("randomization unit %q is not available", experiment.BucketConfig.RandomizationUnit))
	}
	inBucket := IsInBucket(experiment.BucketConfig, unitValue)

	if enrolled {
		if !inBucket {
			return e.unenroll(experiment.Slug, prev, models.ReasonNotSelected)
		}
		// Перебакетирование никогда не меняет ветку той же пары slug/id
		return prev, nil
	}

	if !inBucket {
		return &models.ExperimentEnrollment{
			Slug: experiment.Slug,
			Status: models.EnrollmentStatus{
				Kind:   models.EnrollmentNotEnrolled,
				Reason: models.ReasonNotSelected,
			},
		}, nil
	}

	// Выбор ветки и зачисление
	branch, err := ChooseBranch(experiment.Slug, experiment.Branches, unitValue)
	if err != nil {
		return e.errorStatus(experiment.Slug, prev, fmt.Sprintf("branch selection: %v", err))
	}

	enrollment := &models.ExperimentEnrollment{
		Slug: experiment.Slug,
		Status: models.EnrollmentStatus{
			Kind:      models.EnrollmentEnrolled,
			Reason:    models.ReasonQualified,
			Branch:    branch.Slug,
			FeatureID: featureID(experiment, branch),
		},
	}
	event := &models.EnrollmentChangeEvent{
		ExperimentSlug: experiment.Slug,
		BranchSlug:     branch.Slug,
		Reason:         models.ReasonQualified,
		Kind:           models.EventEnrollment,
	}
	return enrollment, event
}

// unenroll завершает зачисление с событием Unenrollment
func (e *Evolver) unenroll(slug string, prev *models.ExperimentEnrollment, reason string) (*models.ExperimentEnrollment, *models.EnrollmentChangeEvent) {
	return &models.ExperimentEnrollment{
			Slug: slug,
			Status: models.EnrollmentStatus{
				Kind:   models.EnrollmentWasEnrolled,
				Reason: reason,
				Branch: prev.Status.Branch,
			},
		}, &models.EnrollmentChangeEvent{
			ExperimentSlug: slug,
			BranchSlug:     prev.Status.Branch,
			Reason:         reason,
			Kind:           models.EventUnenrollment,
		}
}

// errorStatus помечает зачисление ошибкой. Событие EnrollFailed
// выдается только при переходе, чтобы повторный прогон с теми же
// входами не плодил события.
func (e *Evolver) errorStatus(slug string, prev *models.ExperimentEnrollment, reason string) (*models.ExperimentEnrollment, *models.EnrollmentChangeEvent) {
	enrollment := &models.ExperimentEnrollment{
		Slug: slug,
		Status: models.EnrollmentStatus{
			Kind:   models.EnrollmentError,
			Reason: reason,
		},
	}
	if prev != nil && prev.Status.Kind == models.EnrollmentError && prev.Status.Reason == reason {
		return enrollment, nil
	}
	return enrollment, &models.EnrollmentChangeEvent{
		ExperimentSlug: slug,
		Reason:         reason,
		Kind:           models.EventEnrollFailed,
	}
}

// claimFeatures занимает фичи зачисленного эксперимента.
// Возвращает slug эксперимента-победителя при конфликте,
// пустую строку если конфликта нет. Коэнроллящиеся фичи
// конфликтов не создают.
func (e *Evolver) claimFeatures(claimed map[string]string, experiment *api.Experiment, enrollment *models.ExperimentEnrollment) string {
	features := experimentFeatures(experiment, enrollment.Status.Branch)
	for _, feature := range features {
		if e.coenrolling[feature] {
			continue
		}
		if winner, taken := claimed[feature]; taken && winner != experiment.Slug {
			return winner
		}
	}
	for _, feature := range features {
		if e.coenrolling[feature] {
			continue
		}
		claimed[feature] = experiment.Slug
	}
	return ""
}

// experimentFeatures возвращает фичи, занимаемые зачислением на ветку
func experimentFeatures(experiment *api.Experiment, branchSlug string) []string {
	for i := range experiment.Branches {
		branch := &experiment.Branches[i]
		if branch.Slug == branchSlug && branch.Feature != nil {
			return []string{branch.Feature.FeatureID}
		}
	}
	return experiment.FeatureIDs
}

func featureID(experiment *api.Experiment, branch *api.Branch) string {
	if branch.Feature != nil {
		return branch.Feature.FeatureID
	}
	if len(experiment.FeatureIDs) > 0 {
		return experiment.FeatureIDs[0]
	}
	return ""
}
