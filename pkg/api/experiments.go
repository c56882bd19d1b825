package api

import "encoding/json"

// ExperimentsResponse представляет ответ сервера экспериментов
type ExperimentsResponse struct {
	Data []json.RawMessage `json:"data"` // сырые документы экспериментов
}

// BucketConfig описывает детерминированное распределение клиентов по бакетам
type BucketConfig struct {
	RandomizationUnit string `json:"randomizationUnit"` // "nimbus_id" или "user_id"
	Namespace         string `json:"namespace"`         // namespace для хеширования
	Start             uint32 `json:"start"`             // начало диапазона бакетов
	Count             uint32 `json:"count"`             // размер диапазона бакетов
	Total             uint32 `json:"total"`             // общее количество бакетов
}

// FeatureConfig представляет конфигурацию фичи, которую несёт ветка
type FeatureConfig struct {
	Value     json.RawMessage `json:"value,omitempty"`
	FeatureID string          `json:"featureId"`
	Enabled   bool            `json:"enabled"`
}

// Branch представляет ветку эксперимента
type Branch struct {
	Feature *FeatureConfig `json:"feature,omitempty"`
	Slug    string         `json:"slug"`
	Ratio   int            `json:"ratio"`
}

// Experiment представляет документ эксперимента с сервера
type Experiment struct {
	BucketConfig       BucketConfig `json:"bucketConfig"`
	Slug               string       `json:"slug"`
	AppName            string       `json:"appName"`
	AppID              string       `json:"appId"`
	Channel            string       `json:"channel"`
	Targeting          string       `json:"targeting"`
	ReferenceBranch    string       `json:"referenceBranch"`
	UserFacingName     string       `json:"userFacingName"`
	FeatureIDs         []string     `json:"featureIds"`
	Branches           []Branch     `json:"branches"`
	ProposedEnrollment int          `json:"proposedEnrollment"`
	IsEnrollmentPaused bool         `json:"isEnrollmentPaused"`
	IsRollout          bool         `json:"isRollout"`
}
