package models

import (
	"strings"

	"github.com/iudanet/synckit/pkg/api"
)

// Единицы рандомизации, которые может номинировать эксперимент
const (
	RandomizationUnitNimbusID = "nimbus_id"
	RandomizationUnitUserID   = "user_id"
)

// AvailableRandomizationUnits содержит значения единиц рандомизации,
// доступные на этом клиенте. Отсутствие номинированной единицы
// приводит к статусу Error для эксперимента.
type AvailableRandomizationUnits struct {
	NimbusID string
	UserID   string
}

// ValueFor возвращает значение единицы рандомизации, номинированной
// экспериментом, и false если значение недоступно
func (u AvailableRandomizationUnits) ValueFor(unit string) (string, bool) {
	switch unit {
	case RandomizationUnitNimbusID, "":
		// nimbus_id - единица по умолчанию
		return u.NimbusID, u.NimbusID != ""
	case RandomizationUnitUserID:
		return u.UserID, u.UserID != ""
	default:
		return "", false
	}
}

// AppContext описывает приложение, в котором работает клиент.
// Используется для гейта доступности экспериментов и таргетинга.
type AppContext struct {
	Custom        map[string]string `json:"custom,omitempty"`
	AppName       string            `json:"app_name"`
	AppID         string            `json:"app_id"`
	Channel       string            `json:"channel"`
	AppVersion    string            `json:"app_version"`
	Locale        string            `json:"locale"`
	Region        string            `json:"region"`
	AndroidSDKVer string            `json:"android_sdk_version,omitempty"`
}

// IsExperimentAvailable проверяет, применим ли эксперимент к этому
// приложению. Сравнение appName регистронезависимое; в строгом режиме
// (release) дополнительно сравниваются appId и channel.
func (c AppContext) IsExperimentAvailable(exp *api.Experiment, strict bool) bool {
	if !strings.EqualFold(c.AppName, exp.AppName) {
		return false
	}
	if !strict {
		return true
	}
	return strings.EqualFold(c.AppID, exp.AppID) && strings.EqualFold(c.Channel, exp.Channel)
}

// Language возвращает языковую часть локали ("en-US" -> "en")
func (c AppContext) Language() string {
	loc := strings.ReplaceAll(c.Locale, "_", "-")
	if i := strings.Index(loc, "-"); i > 0 {
		return strings.ToLower(loc[:i])
	}
	return strings.ToLower(loc)
}

// LocaleRegion возвращает регион из локали ("en-US" -> "US"),
// пустую строку если локаль региона не содержит
func (c AppContext) LocaleRegion() string {
	loc := strings.ReplaceAll(c.Locale, "_", "-")
	if i := strings.Index(loc, "-"); i > 0 && i+1 < len(loc) {
		return strings.ToUpper(loc[i+1:])
	}
	return ""
}

// TargetingAttributes - контекст, против которого вычисляется
// targeting-выражение эксперимента: атрибуты приложения плюс
// производные факты о клиенте.
type TargetingAttributes struct {
	AppContext
	ActiveExperiments             map[string]bool   `json:"active_experiments"`
	EnrollmentsMap                map[string]string `json:"enrollments_map"` // slug -> branch
	PreviouslyEnrolledExperiments map[string]bool   `json:"previous_enrollments"`
	Language                      string            `json:"language"`
	LocaleRegionPart              string            `json:"locale_region"`
	DaysSinceInstall              int               `json:"days_since_install"`
	DaysSinceUpdate               int               `json:"days_since_update"`
}
