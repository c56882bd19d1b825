// Package experiments реализует зачисление клиента в эксперименты:
// детерминированное бакетирование, выбор ветки, таргетинг и эволюцию
// состояния зачислений.
package experiments

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/iudanet/synckit/pkg/api"
)

// hashToInt сводит строку к целому через SHA-256: старшие 8 байт
// дайджеста как big-endian число. Распределение равномерное, значение
// стабильно между клиентами и версиями.
func hashToInt(input string) uint64 {
	digest := sha256.Sum256([]byte(input))
	return binary.BigEndian.Uint64(digest[:8])
}

// BucketNumber возвращает бакет значения в [0, total).
// Чистая функция от (value, namespace, total).
func BucketNumber(value, namespace string, total uint32) uint32 {
	return uint32(hashToInt(value+"."+namespace) % uint64(total))
}

// IsInBucket сообщает, попадает ли значение в окно конфигурации.
// Окно [start, start+count) заворачивается по модулю total.
func IsInBucket(config api.BucketConfig, value string) bool {
	if config.Total == 0 || config.Count == 0 {
		return false
	}
	bucket := BucketNumber(value, config.Namespace, config.Total)
	offset := (bucket + config.Total - config.Start%config.Total) % config.Total
	return offset < config.Count
}

// ChooseBranch детерминированно выбирает ветку эксперимента:
// хэш (slug, id) в сумму ratio, проход по веткам в исходном порядке.
// Одинаковые входы всегда дают одну и ту же ветку.
func ChooseBranch(slug string, branches []api.Branch, id string) (*api.Branch, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("experiment %s has no branches", slug)
	}

	var total uint64
	for _, branch := range branches {
		if branch.Ratio < 0 {
			return nil, fmt.Errorf("experiment %s branch %s has negative ratio", slug, branch.Slug)
		}
		total += uint64(branch.Ratio)
	}
	if total == 0 {
		return nil, fmt.Errorf("experiment %s branch ratios sum to zero", slug)
	}

	point := hashToInt(slug+"."+id) % total
	var accumulated uint64
	for i := range branches {
		accumulated += uint64(branches[i].Ratio)
		if point < accumulated {
			return &branches[i], nil
		}
	}
	// Недостижимо: point < total = сумме всех ratio
	return &branches[len(branches)-1], nil
}
