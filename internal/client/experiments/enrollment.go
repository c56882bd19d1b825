package experiments

import (
	"encoding/json"
	"fmt"

	"github.com/iudanet/synckit/internal/client/storage"
	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/pkg/api"
)

// loadEnrollments читает все зачисления из стора Enrollments
func loadEnrollments(r storage.Reader) ([]models.ExperimentEnrollment, error) {
	var enrollments []models.ExperimentEnrollment
	err := r.ForEach(storage.StoreEnrollments, func(key string, value []byte) error {
		var enrollment models.ExperimentEnrollment
		if err := json.Unmarshal(value, &enrollment); err != nil {
			return fmt.Errorf("%w: enrollment %s: %v", storage.ErrInvalidPersistedData, key, err)
		}
		enrollments = append(enrollments, enrollment)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollments: %w", err)
	}
	return enrollments, nil
}

// saveEnrollments атомарно заменяет содержимое стора Enrollments
func saveEnrollments(w storage.Writer, enrollments []models.ExperimentEnrollment) error {
	if err := w.Clear(storage.StoreEnrollments); err != nil {
		return fmt.Errorf("failed to clear enrollments: %w", err)
	}
	for _, enrollment := range enrollments {
		if err := storage.PutJSON(w, storage.StoreEnrollments, enrollment.Slug, enrollment); err != nil {
			return fmt.Errorf("failed to save enrollment %s: %w", enrollment.Slug, err)
		}
	}
	return nil
}

// loadStoredExperiments читает известные эксперименты из стора Experiments
func loadStoredExperiments(r storage.Reader) ([]api.Experiment, error) {
	var experiments []api.Experiment
	err := r.ForEach(storage.StoreExperiments, func(key string, value []byte) error {
		var experiment api.Experiment
		if err := json.Unmarshal(value, &experiment); err != nil {
			return fmt.Errorf("%w: experiment %s: %v", storage.ErrInvalidPersistedData, key, err)
		}
		experiments = append(experiments, experiment)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load experiments: %w", err)
	}
	return experiments, nil
}

// saveExperiments атомарно заменяет содержимое стора Experiments
func saveExperiments(w storage.Writer, experiments []api.Experiment) error {
	if err := w.Clear(storage.StoreExperiments); err != nil {
		return fmt.Errorf("failed to clear experiments: %w", err)
	}
	for i := range experiments {
		if err := storage.PutJSON(w, storage.StoreExperiments, experiments[i].Slug, &experiments[i]); err != nil {
			return fmt.Errorf("failed to save experiment %s: %w", experiments[i].Slug, err)
		}
	}
	return nil
}

// optOutEnrollment дисквалифицирует клиента из эксперимента,
// перекрывая бакетирование. Возвращает обновлённый список и событие,
// nil событие если клиент не был зачислен.
func optOutEnrollment(enrollments []models.ExperimentEnrollment, slug string) ([]models.ExperimentEnrollment, *models.EnrollmentChangeEvent, error) {
	for i, enrollment := range enrollments {
		if enrollment.Slug != slug {
			continue
		}
		if !enrollment.IsEnrolled() {
			return enrollments, nil, nil
		}
		next := make([]models.ExperimentEnrollment, len(enrollments))
		copy(next, enrollments)
		next[i].Status = models.EnrollmentStatus{
			Kind:   models.EnrollmentDisqualified,
			Reason: models.ReasonOptOut,
			Branch: enrollment.Status.Branch,
		}
		event := &models.EnrollmentChangeEvent{
			ExperimentSlug: slug,
			BranchSlug:     enrollment.Status.Branch,
			Reason:         models.ReasonOptOut,
			Kind:           models.EventDisqualification,
		}
		return next, event, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrNoSuchExperiment, slug)
}

// optInEnrollment принудительно зачисляет клиента на ветку,
// минуя таргетинг и бакетирование. Единственный способ сменить
// ветку уже зачисленного эксперимента.
func optInEnrollment(enrollments []models.ExperimentEnrollment, experiment *api.Experiment, branchSlug string) ([]models.ExperimentEnrollment, *models.EnrollmentChangeEvent, error) {
	var branch *api.Branch
	for i := range experiment.Branches {
		if experiment.Branches[i].Slug == branchSlug {
			branch = &experiment.Branches[i]
			break
		}
	}
	if branch == nil {
		return nil, nil, fmt.Errorf("%w: experiment %s has no branch %s", ErrNoSuchBranch, experiment.Slug, branchSlug)
	}

	status := models.EnrollmentStatus{
		Kind:      models.EnrollmentEnrolled,
		Reason:    models.ReasonOptIn,
		Branch:    branch.Slug,
		FeatureID: featureID(experiment, branch),
	}
	next := make([]models.ExperimentEnrollment, 0, len(enrollments)+1)
	replaced := false
	for _, enrollment := range enrollments {
		if enrollment.Slug == experiment.Slug {
			enrollment.Status = status
			replaced = true
		}
		next = append(next, enrollment)
	}
	if !replaced {
		next = append(next, models.ExperimentEnrollment{Slug: experiment.Slug, Status: status})
	}
	event := &models.EnrollmentChangeEvent{
		ExperimentSlug: experiment.Slug,
		BranchSlug:     branch.Slug,
		Reason:         models.ReasonOptIn,
		Kind:           models.EventEnrollment,
	}
	return next, event, nil
}
