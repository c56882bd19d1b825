package experiments

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/pkg/api"
)

// evalFunc адаптирует функцию к интерфейсу Evaluator
type evalFunc func(expression string, attributes *models.TargetingAttributes) (bool, error)

func (f evalFunc) Eval(expression string, attributes *models.TargetingAttributes) (bool, error) {
	return f(expression, attributes)
}

func evalConst(result bool, err error) Evaluator {
	return evalFunc(func(string, *models.TargetingAttributes) (bool, error) {
		return result, err
	})
}

var testAppContext = models.AppContext{
	AppName:    "testapp",
	AppID:      "org.example.testapp",
	Channel:    "release",
	AppVersion: "1.0.0",
	Locale:     "en-US",
}

func testExperiment(slug string) api.Experiment {
	return api.Experiment{
		Slug:    slug,
		AppName: "testapp",
		AppID:   "org.example.testapp",
		Channel: "release",
		BucketConfig: api.BucketConfig{
			RandomizationUnit: models.RandomizationUnitNimbusID,
			Namespace:         slug,
			Start:             0,
			Count:             10000,
			Total:             10000,
		},
		Branches: []api.Branch{
			{Slug: "control", Ratio: 1, Feature: &api.FeatureConfig{FeatureID: "feature-" + slug, Enabled: true}},
		},
		FeatureIDs: []string{"feature-" + slug},
	}
}

func newTestEvolver(evaluator Evaluator, coenrolling ...string) *Evolver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	units := models.AvailableRandomizationUnits{NimbusID: fixtureNimbusID}
	return NewEvolver(evaluator, testAppContext, units, coenrolling, true, logger)
}

func enrolledIn(slug, branch string) models.ExperimentEnrollment {
	return models.ExperimentEnrollment{
		Slug: slug,
		Status: models.EnrollmentStatus{
			Kind:   models.EnrollmentEnrolled,
			Reason: models.ReasonQualified,
			Branch: branch,
		},
	}
}

func findEnrollment(t *testing.T, enrollments []models.ExperimentEnrollment, slug string) models.ExperimentEnrollment {
	t.Helper()
	for _, enrollment := range enrollments {
		if enrollment.Slug == slug {
			return enrollment
		}
	}
	t.Fatalf("no enrollment for %s", slug)
	return models.ExperimentEnrollment{}
}

func TestEvolver_EnrollsQualifiedClient(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	experiments := []api.Experiment{testExperiment("exp-a")}

	enrollments, events := evolver.EvolveEnrollments(nil, experiments, &models.TargetingAttributes{})

	require.Len(t, enrollments, 1)
	enrollment := enrollments[0]
	assert.Equal(t, models.EnrollmentEnrolled, enrollment.Status.Kind)
	assert.Equal(t, models.ReasonQualified, enrollment.Status.Reason)
	assert.Equal(t, "control", enrollment.Status.Branch)
	assert.Equal(t, "feature-exp-a", enrollment.Status.FeatureID)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventEnrollment, events[0].Kind)
	assert.Equal(t, "exp-a", events[0].ExperimentSlug)
	assert.Equal(t, "control", events[0].BranchSlug)
}

func TestEvolver_Idempotent(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	experiments := []api.Experiment{testExperiment("exp-a"), testExperiment("exp-b")}

	first, firstEvents := evolver.EvolveEnrollments(nil, experiments, &models.TargetingAttributes{})
	require.NotEmpty(t, firstEvents)

	second, secondEvents := evolver.EvolveEnrollments(first, experiments, &models.TargetingAttributes{})
	assert.Empty(t, secondEvents, "re-running with identical inputs must not emit events")
	assert.Equal(t, first, second)
}

func TestEvolver_NotTargeted(t *testing.T) {
	evolver := newTestEvolver(evalConst(false, nil))
	experiments := []api.Experiment{testExperiment("exp-a")}

	enrollments, events := evolver.EvolveEnrollments(nil, experiments, &models.TargetingAttributes{})

	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentNotEnrolled, enrollments[0].Status.Kind)
	assert.Equal(t, models.ReasonNotTargeted, enrollments[0].Status.Reason)
	assert.Empty(t, events)
}

func TestEvolver_DisqualifiesEnrolledWhenNotTargeted(t *testing.T) {
	evolver := newTestEvolver(evalConst(false, nil))
	experiments := []api.Experiment{testExperiment("exp-a")}
	previous := []models.ExperimentEnrollment{enrolledIn("exp-a", "control")}

	enrollments, events := evolver.EvolveEnrollments(previous, experiments, &models.TargetingAttributes{})

	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentDisqualified, enrollments[0].Status.Kind)
	assert.Equal(t, models.ReasonNotTargeted, enrollments[0].Status.Reason)
	assert.Equal(t, "control", enrollments[0].Status.Branch)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventDisqualification, events[0].Kind)
}

func TestEvolver_PauseBlocksOnlyNewEnrollments(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	paused := testExperiment("exp-a")
	paused.IsEnrollmentPaused = true
	experiments := []api.Experiment{paused}

	enrollments, events := evolver.EvolveEnrollments(nil, experiments, &models.TargetingAttributes{})
	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentNotEnrolled, enrollments[0].Status.Kind)
	assert.Equal(t, models.ReasonEnrollmentsPaused, enrollments[0].Status.Reason)
	assert.Empty(t, events)

	// Уже зачисленный клиент пауза не выкидывает
	previous := []models.ExperimentEnrollment{enrolledIn("exp-a", "control")}
	enrollments, events = evolver.EvolveEnrollments(previous, experiments, &models.TargetingAttributes{})
	require.Len(t, enrollments, 1)
	assert.True(t, enrollments[0].IsEnrolled())
	assert.Empty(t, events)
}

func TestEvolver_OutOfBucket(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	experiment := testExperiment("exp-a")
	experiment.BucketConfig.Count = 0

	enrollments, events := evolver.EvolveEnrollments(nil, []api.Experiment{experiment}, &models.TargetingAttributes{})

	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentNotEnrolled, enrollments[0].Status.Kind)
	assert.Equal(t, models.ReasonNotSelected, enrollments[0].Status.Reason)
	assert.Empty(t, events)
}

func TestEvolver_UnenrollsWhenBucketedOut(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	experiment := testExperiment("exp-a")
	experiment.BucketConfig.Count = 0
	previous := []models.ExperimentEnrollment{enrolledIn("exp-a", "control")}

	enrollments, events := evolver.EvolveEnrollments(previous, []api.Experiment{experiment}, &models.TargetingAttributes{})

	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentWasEnrolled, enrollments[0].Status.Kind)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUnenrollment, events[0].Kind)
	assert.Equal(t, models.ReasonNotSelected, events[0].Reason)
}

func TestEvolver_MissingRandomizationUnit(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	experiment := testExperiment("exp-a")
	experiment.BucketConfig.RandomizationUnit = models.RandomizationUnitUserID

	enrollments, events := evolver.EvolveEnrollments(nil, []api.Experiment{experiment}, &models.TargetingAttributes{})

	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentError, enrollments[0].Status.Kind)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventEnrollFailed, events[0].Kind)

	// Повторный прогон с той же ошибкой не плодит события
	again, moreEvents := evolver.EvolveEnrollments(enrollments, []api.Experiment{experiment}, &models.TargetingAttributes{})
	assert.Equal(t, enrollments, again)
	assert.Empty(t, moreEvents)
}

func TestEvolver_TargetingErrorDoesNotAbortOthers(t *testing.T) {
	evaluator := evalFunc(func(expression string, _ *models.TargetingAttributes) (bool, error) {
		if expression == "boom" {
			return false, errors.New("bad expression")
		}
		return true, nil
	})
	evolver := newTestEvolver(evaluator)

	broken := testExperiment("exp-broken")
	broken.Targeting = "boom"
	healthy := testExperiment("exp-healthy")

	enrollments, events := evolver.EvolveEnrollments(nil, []api.Experiment{broken, healthy}, &models.TargetingAttributes{})

	assert.Equal(t, models.EnrollmentError, findEnrollment(t, enrollments, "exp-broken").Status.Kind)
	assert.True(t, findEnrollment(t, enrollments, "exp-healthy").IsEnrolled())
	require.Len(t, events, 2)
}

func TestEvolver_ExperimentEnded(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	previous := []models.ExperimentEnrollment{enrolledIn("exp-gone", "control")}

	enrollments, events := evolver.EvolveEnrollments(previous, nil, &models.TargetingAttributes{})

	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentWasEnrolled, enrollments[0].Status.Kind)
	assert.Equal(t, models.ReasonExperimentEnded, enrollments[0].Status.Reason)
	assert.Equal(t, "control", enrollments[0].Status.Branch)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventUnenrollment, events[0].Kind)
	assert.Equal(t, models.ReasonExperimentEnded, events[0].Reason)

	// Терминальная запись переживает следующий прогон без событий
	again, moreEvents := evolver.EvolveEnrollments(enrollments, nil, &models.TargetingAttributes{})
	assert.Equal(t, enrollments, again)
	assert.Empty(t, moreEvents)
}

func TestEvolver_WasEnrolledNeverReenrolls(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	experiments := []api.Experiment{testExperiment("exp-a")}
	previous := []models.ExperimentEnrollment{{
		Slug: "exp-a",
		Status: models.EnrollmentStatus{
			Kind:   models.EnrollmentWasEnrolled,
			Reason: models.ReasonExperimentEnded,
			Branch: "control",
		},
	}}

	enrollments, events := evolver.EvolveEnrollments(previous, experiments, &models.TargetingAttributes{})

	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentWasEnrolled, enrollments[0].Status.Kind)
	assert.Empty(t, events)
}

func TestEvolver_FeatureConflict(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	first := testExperiment("exp-a")
	second := testExperiment("exp-b")
	second.Branches[0].Feature.FeatureID = "feature-exp-a"
	second.FeatureIDs = []string{"feature-exp-a"}

	enrollments, events := evolver.EvolveEnrollments(nil, []api.Experiment{first, second}, &models.TargetingAttributes{})

	assert.True(t, findEnrollment(t, enrollments, "exp-a").IsEnrolled(),
		"earlier experiment wins the feature")
	loser := findEnrollment(t, enrollments, "exp-b")
	assert.Equal(t, models.EnrollmentNotEnrolled, loser.Status.Kind)
	assert.Equal(t, models.ReasonFeatureConflict, loser.Status.Reason)
	require.Len(t, events, 1)
	assert.Equal(t, "exp-a", events[0].ExperimentSlug)
}

func TestEvolver_CoenrollingFeatureAllowsBoth(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil), "shared-feature")
	first := testExperiment("exp-a")
	first.Branches[0].Feature.FeatureID = "shared-feature"
	second := testExperiment("exp-b")
	second.Branches[0].Feature.FeatureID = "shared-feature"

	enrollments, _ := evolver.EvolveEnrollments(nil, []api.Experiment{first, second}, &models.TargetingAttributes{})

	assert.True(t, findEnrollment(t, enrollments, "exp-a").IsEnrolled())
	assert.True(t, findEnrollment(t, enrollments, "exp-b").IsEnrolled())
}

func TestEvolver_UnavailableApp(t *testing.T) {
	evolver := newTestEvolver(evalConst(true, nil))
	foreign := testExperiment("exp-a")
	foreign.AppName = "otherapp"

	enrollments, events := evolver.EvolveEnrollments(nil, []api.Experiment{foreign}, &models.TargetingAttributes{})
	assert.Empty(t, enrollments)
	assert.Empty(t, events)

	// Зачисленный клиент выкидывается, когда эксперимент перестал
	// подходить приложению
	previous := []models.ExperimentEnrollment{enrolledIn("exp-a", "control")}
	enrollments, events = evolver.EvolveEnrollments(previous, []api.Experiment{foreign}, &models.TargetingAttributes{})
	require.Len(t, enrollments, 1)
	assert.Equal(t, models.EnrollmentWasEnrolled, enrollments[0].Status.Kind)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUnenrollment, events[0].Kind)
}
