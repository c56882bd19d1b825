package models

// EnrollmentStatusKind перечисляет состояния зачисления в эксперимент
type EnrollmentStatusKind string

const (
	// EnrollmentNotEnrolled клиент не зачислен (с причиной)
	EnrollmentNotEnrolled EnrollmentStatusKind = "NotEnrolled"
	// EnrollmentEnrolled клиент зачислен на ветку
	EnrollmentEnrolled EnrollmentStatusKind = "Enrolled"
	// EnrollmentWasEnrolled клиент был зачислен; повторное зачисление
	// в пределах жизни nimbus_id не происходит
	EnrollmentWasEnrolled EnrollmentStatusKind = "WasEnrolled"
	// EnrollmentDisqualified клиент дисквалифицирован (opt-out, таргетинг)
	EnrollmentDisqualified EnrollmentStatusKind = "Disqualified"
	// EnrollmentError вычисление зачисления завершилось ошибкой
	EnrollmentError EnrollmentStatusKind = "Error"
)

// Причины переходов состояния зачисления
const (
	ReasonQualified         = "qualified"
	ReasonNotTargeted       = "not_targeted"
	ReasonNotSelected       = "not_selected"
	ReasonEnrollmentsPaused = "enrollments_paused"
	ReasonFeatureConflict   = "feature_conflict"
	ReasonOptIn             = "opt_in"
	ReasonOptOut            = "opt_out"
	ReasonExperimentEnded   = "experiment_ended"
	ReasonError             = "error"
)

// EnrollmentStatus представляет размеченное состояние зачисления.
// Branch и FeatureID заполнены только для Enrolled; Reason несёт
// причину последнего перехода либо текст ошибки для Error.
type EnrollmentStatus struct {
	Kind      EnrollmentStatusKind `json:"kind"`
	Reason    string               `json:"reason,omitempty"`
	Branch    string               `json:"branch,omitempty"`
	FeatureID string               `json:"feature_id,omitempty"`
}

// ExperimentEnrollment представляет состояние клиента по одному эксперименту
type ExperimentEnrollment struct {
	Slug   string           `json:"slug"`
	Status EnrollmentStatus `json:"status"`
}

// IsEnrolled сообщает, зачислен ли клиент сейчас
func (e ExperimentEnrollment) IsEnrolled() bool {
	return e.Status.Kind == EnrollmentEnrolled
}

// EnrollmentChangeEventKind перечисляет виды событий изменения зачисления
type EnrollmentChangeEventKind string

const (
	EventEnrollment       EnrollmentChangeEventKind = "Enrollment"
	EventEnrollFailed     EnrollmentChangeEventKind = "EnrollFailed"
	EventUnenrollment     EnrollmentChangeEventKind = "Unenrollment"
	EventDisqualification EnrollmentChangeEventKind = "Disqualification"
)

// EnrollmentChangeEvent - событие, которое потребляет нижележащий
// кэш конфигурации фич
type EnrollmentChangeEvent struct {
	ExperimentSlug string                    `json:"experiment_slug"`
	BranchSlug     string                    `json:"branch_slug,omitempty"`
	Reason         string                    `json:"reason,omitempty"`
	Kind           EnrollmentChangeEventKind `json:"change"`
}
