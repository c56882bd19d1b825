package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	clientapi "github.com/iudanet/synckit/internal/client/api"
	"github.com/iudanet/synckit/internal/client/experiments/behavior"
	"github.com/iudanet/synckit/internal/client/storage"
	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/pkg/api"
)

// EnrolledExperiment описывает активное зачисление для вызывающего кода
type EnrolledExperiment struct {
	Slug           string   `json:"slug"`
	BranchSlug     string   `json:"branch_slug"`
	UserFacingName string   `json:"user_facing_name"`
	FeatureIDs     []string `json:"feature_ids"`
}

// NimbusClient - фасад подсистемы экспериментов. Внешний API принимает
// обычный ресивер; изменяемое состояние защищено мьютексом, база
// сериализует писателей сама.
type NimbusClient struct {
	mu          sync.Mutex
	db          storage.KeyValueStorage
	remote      clientapi.ClientAPI
	events      *behavior.EventStore
	evaluator   Evaluator
	appContext  models.AppContext
	coenrolling []string
	logger      *slog.Logger
	nimbusID    string
	strict      bool
	now         func() time.Time
}

// NewNimbusClient создает клиент экспериментов.
// strict включает строгий гейт доступности (release-сборки).
func NewNimbusClient(
	db storage.KeyValueStorage,
	remote clientapi.ClientAPI,
	appContext models.AppContext,
	coenrollingFeatures []string,
	strict bool,
	logger *slog.Logger,
) *NimbusClient {
	return &NimbusClient{
		db:          db,
		remote:      remote,
		events:      behavior.NewEventStore(),
		evaluator:   NewCueEvaluator(),
		appContext:  appContext,
		coenrolling: coenrollingFeatures,
		logger:      logger,
		strict:      strict,
		now:         time.Now,
	}
}

// WithClock подменяет источник времени. Для тестов.
func (c *NimbusClient) WithClock(now func() time.Time) *NimbusClient {
	c.now = now
	return c
}

// Events возвращает behavior-стор для записи событий приложения
func (c *NimbusClient) Events() *behavior.EventStore {
	return c.events
}

// Initialize подготавливает клиент: гарантирует nimbus id и даты
// установки/обновления в Meta, восстанавливает behavior-счётчики
func (c *NimbusClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.now().UnixMilli()
	err := c.db.Update(ctx, func(w storage.Writer) error {
		id, err := c.ensureNimbusID(w)
		if err != nil {
			return err
		}
		c.nimbusID = id

		if err := ensureMetaInt(w, storage.MetaInstallationDate, nowMs); err != nil {
			return err
		}

		var storedVersion string
		err = storage.GetJSON(w, storage.StoreMeta, storage.MetaAppVersion, &storedVersion)
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
			storedVersion = ""
		case err != nil:
			return err
		}
		if storedVersion != c.appContext.AppVersion {
			if err := storage.PutJSON(w, storage.StoreMeta, storage.MetaAppVersion, c.appContext.AppVersion); err != nil {
				return err
			}
			if err := storage.PutJSON(w, storage.StoreMeta, storage.MetaUpdateDate, nowMs); err != nil {
				return err
			}
		}

		return c.events.Load(w)
	})
	if err != nil {
		return fmt.Errorf("failed to initialize experiments client: %w", err)
	}

	c.logger.Debug("Experiments client initialized", "nimbus_id", c.nimbusID)
	return nil
}

// FetchExperiments скачивает документы экспериментов и откладывает их
// в стор Updates. Применение - отдельный шаг ApplyPendingExperiments.
func (c *NimbusClient) FetchExperiments(ctx context.Context) error {
	documents, err := c.remote.FetchExperiments(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch experiments: %w", err)
	}

	err = c.db.Update(ctx, func(w storage.Writer) error {
		return storage.PutJSON(w, storage.StoreUpdates, storage.MetaPendingExperimentUpdates, documents)
	})
	if err != nil {
		return fmt.Errorf("failed to stage experiment updates: %w", err)
	}

	c.logger.Info("Fetched experiments", "count", len(documents))
	return nil
}

// ApplyPendingExperiments прогоняет отложенные эксперименты через
// evolver и атомарно заменяет сторы Enrollments и Experiments.
// Возвращает события переходов для потребителей фич.
func (c *NimbusClient) ApplyPendingExperiments(ctx context.Context) ([]models.EnrollmentChangeEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []models.EnrollmentChangeEvent
	err := c.db.Update(ctx, func(w storage.Writer) error {
		var documents []json.RawMessage
		err := storage.GetJSON(w, storage.StoreUpdates, storage.MetaPendingExperimentUpdates, &documents)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		experiments := c.parseExperiments(documents)
		previous, err := loadEnrollments(w)
		if err != nil {
			return err
		}
		attributes, err := c.buildTargetingAttributes(w, previous)
		if err != nil {
			return err
		}

		evolver := NewEvolver(c.evaluator, c.appContext,
			models.AvailableRandomizationUnits{NimbusID: c.nimbusID},
			c.coenrolling, c.strict, c.logger)
		next, changeEvents := evolver.EvolveEnrollments(previous, experiments, attributes)

		if err := saveEnrollments(w, next); err != nil {
			return err
		}
		if err := saveExperiments(w, experiments); err != nil {
			return err
		}
		if err := w.Delete(storage.StoreUpdates, storage.MetaPendingExperimentUpdates); err != nil {
			return err
		}
		if err := c.events.Persist(w); err != nil {
			return err
		}
		events = changeEvents
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply pending experiments: %w", err)
	}

	if len(events) > 0 {
		c.logger.Info("Applied experiment updates", "changes", len(events))
	}
	return events, nil
}

// GetActiveExperiments возвращает текущие активные зачисления
func (c *NimbusClient) GetActiveExperiments(ctx context.Context) ([]EnrolledExperiment, error) {
	var active []EnrolledExperiment
	err := c.db.View(ctx, func(r storage.Reader) error {
		enrollments, err := loadEnrollments(r)
		if err != nil {
			return err
		}
		experiments, err := loadStoredExperiments(r)
		if err != nil {
			return err
		}
		bySlug := make(map[string]*api.Experiment, len(experiments))
		for i := range experiments {
			bySlug[experiments[i].Slug] = &experiments[i]
		}
		for _, enrollment := range enrollments {
			if !enrollment.IsEnrolled() {
				continue
			}
			enrolled := EnrolledExperiment{
				Slug:       enrollment.Slug,
				BranchSlug: enrollment.Status.Branch,
			}
			if experiment, ok := bySlug[enrollment.Slug]; ok {
				enrolled.UserFacingName = experiment.UserFacingName
				enrolled.FeatureIDs = experiment.FeatureIDs
			}
			active = append(active, enrolled)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load active experiments: %w", err)
	}
	return active, nil
}

// GetExperimentBranch возвращает ветку, на которую зачислен клиент.
// Пустая строка без ошибки означает "эксперимент известен, но клиент
// не зачислен"; неизвестный slug дает ErrNoSuchExperiment.
func (c *NimbusClient) GetExperimentBranch(ctx context.Context, slug string) (string, error) {
	var branch string
	err := c.db.View(ctx, func(r storage.Reader) error {
		var enrollment models.ExperimentEnrollment
		err := storage.GetJSON(r, storage.StoreEnrollments, slug, &enrollment)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNoSuchExperiment, slug)
		}
		if err != nil {
			return err
		}
		if enrollment.IsEnrolled() {
			branch = enrollment.Status.Branch
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return branch, nil
}

// OptOut дисквалифицирует клиента из эксперимента, перекрывая
// бакетирование. Повторный вызов - no-op без событий.
func (c *NimbusClient) OptOut(ctx context.Context, slug string) ([]models.EnrollmentChangeEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []models.EnrollmentChangeEvent
	err := c.db.Update(ctx, func(w storage.Writer) error {
		enrollments, err := loadEnrollments(w)
		if err != nil {
			return err
		}
		next, event, err := optOutEnrollment(enrollments, slug)
		if err != nil {
			return err
		}
		if event == nil {
			return nil
		}
		if err := saveEnrollments(w, next); err != nil {
			return err
		}
		events = append(events, *event)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to opt out of %s: %w", slug, err)
	}
	return events, nil
}

// OptInWithBranch принудительно зачисляет клиента на конкретную ветку.
// Единственный способ сменить ветку уже зачисленного эксперимента.
func (c *NimbusClient) OptInWithBranch(ctx context.Context, slug, branchSlug string) ([]models.EnrollmentChangeEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []models.EnrollmentChangeEvent
	err := c.db.Update(ctx, func(w storage.Writer) error {
		var experiment api.Experiment
		err := storage.GetJSON(w, storage.StoreExperiments, slug, &experiment)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNoSuchExperiment, slug)
		}
		if err != nil {
			return err
		}
		enrollments, err := loadEnrollments(w)
		if err != nil {
			return err
		}
		next, event, err := optInEnrollment(enrollments, &experiment, branchSlug)
		if err != nil {
			return err
		}
		if err := saveEnrollments(w, next); err != nil {
			return err
		}
		events = append(events, *event)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to opt in to %s/%s: %w", slug, branchSlug, err)
	}
	return events, nil
}

// SetNimbusID заменяет идентификатор рандомизации. Новый id означает
// новую личность клиента для бакетирования.
func (c *NimbusClient) SetNimbusID(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.Update(ctx, func(w storage.Writer) error {
		return storage.PutJSON(w, storage.StoreMeta, storage.MetaNimbusID, id)
	})
	if err != nil {
		return fmt.Errorf("failed to set nimbus id: %w", err)
	}
	c.nimbusID = id
	return nil
}

// ensureNimbusID возвращает сохранённый nimbus id, создавая его
// при первом обращении
func (c *NimbusClient) ensureNimbusID(w storage.Writer) (string, error) {
	var id string
	err := storage.GetJSON(w, storage.StoreMeta, storage.MetaNimbusID, &id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, storage.ErrKeyNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := storage.PutJSON(w, storage.StoreMeta, storage.MetaNimbusID, id); err != nil {
		return "", err
	}
	return id, nil
}

// parseExperiments разбирает сырые документы; неразбираемый документ
// пропускается и не валит остальные
func (c *NimbusClient) parseExperiments(documents []json.RawMessage) []api.Experiment {
	experiments := make([]api.Experiment, 0, len(documents))
	for _, document := range documents {
		var experiment api.Experiment
		if err := json.Unmarshal(document, &experiment); err != nil {
			c.logger.Warn("Skipping malformed experiment document", "error", err)
			continue
		}
		if experiment.Slug == "" {
			c.logger.Warn("Skipping experiment document without slug")
			continue
		}
		experiments = append(experiments, experiment)
	}
	return experiments
}

// buildTargetingAttributes собирает контекст таргетинга из атрибутов
// приложения, дат в Meta и текущих зачислений
func (c *NimbusClient) buildTargetingAttributes(r storage.Reader, enrollments []models.ExperimentEnrollment) (*models.TargetingAttributes, error) {
	attributes := &models.TargetingAttributes{
		AppContext:                    c.appContext,
		ActiveExperiments:             make(map[string]bool),
		EnrollmentsMap:                make(map[string]string),
		PreviouslyEnrolledExperiments: make(map[string]bool),
		Language:                      c.appContext.Language(),
		LocaleRegionPart:              c.appContext.LocaleRegion(),
	}
	for _, enrollment := range enrollments {
		switch enrollment.Status.Kind {
		case models.EnrollmentEnrolled:
			attributes.ActiveExperiments[enrollment.Slug] = true
			attributes.EnrollmentsMap[enrollment.Slug] = enrollment.Status.Branch
		case models.EnrollmentWasEnrolled, models.EnrollmentDisqualified:
			attributes.PreviouslyEnrolledExperiments[enrollment.Slug] = true
		}
	}

	nowMs := c.now().UnixMilli()
	installMs, err := metaInt(r, storage.MetaInstallationDate)
	if err != nil {
		return nil, err
	}
	if installMs > 0 {
		attributes.DaysSinceInstall = int((nowMs - installMs) / millisPerDay)
	}
	updateMs, err := metaInt(r, storage.MetaUpdateDate)
	if err != nil {
		return nil, err
	}
	if updateMs > 0 {
		attributes.DaysSinceUpdate = int((nowMs - updateMs) / millisPerDay)
	}
	return attributes, nil
}

const millisPerDay = 24 * 60 * 60 * 1000

// metaInt читает int64 из Meta, ноль если ключ отсутствует
func metaInt(r storage.Reader, key string) (int64, error) {
	var value int64
	err := storage.GetJSON(r, storage.StoreMeta, key, &value)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// ensureMetaInt записывает значение только если ключ ещё не существует
func ensureMetaInt(w storage.Writer, key string, value int64) error {
	_, err := w.Get(storage.StoreMeta, key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}
	return storage.PutJSON(w, storage.StoreMeta, key, value)
}
