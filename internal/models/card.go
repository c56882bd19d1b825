package models

// Card - банковская карта. Number присутствует только в памяти процесса;
// на диске номер хранится в зашифрованном виде (CardRow.NumberEnc),
// на сервере - внутри зашифрованного payload.
type Card struct {
	Guid         string `json:"id"`
	NameOnCard   string `json:"name_on_card"`
	Number       string `json:"card_number"`
	Last4        string `json:"last4"`
	CardType     string `json:"card_type"`
	ExpMonth     int64  `json:"exp_month"`
	ExpYear      int64  `json:"exp_year"`
	TimesUsed    int64  `json:"times_used"`
	TimeLastUsed int64  `json:"time_last_used"`
}

// CardFields - поля карты без guid и счетчиков использования.
// Используется при создании и обновлении через сервис.
type CardFields struct {
	NameOnCard string
	Number     string
	CardType   string
	ExpMonth   int64
	ExpYear    int64
}

// MergeCards выполняет трёхстороннее слияние карты по полям.
// Для каждого поля: если локальное равно зеркальному, берётся удалённое;
// если удалённое равно зеркальному, берётся локальное; при конфликте
// скалярные поля берутся из удалённой записи, счетчики использования
// сливаются коммутативно (максимум).
func MergeCards(local, mirror, incoming *Card) *Card {
	merged := &Card{Guid: incoming.Guid}

	merged.NameOnCard = mergeScalar(local.NameOnCard, mirror.NameOnCard, incoming.NameOnCard)
	merged.Number = mergeScalar(local.Number, mirror.Number, incoming.Number)
	merged.Last4 = mergeScalar(local.Last4, mirror.Last4, incoming.Last4)
	merged.CardType = mergeScalar(local.CardType, mirror.CardType, incoming.CardType)
	merged.ExpMonth = mergeScalar(local.ExpMonth, mirror.ExpMonth, incoming.ExpMonth)
	merged.ExpYear = mergeScalar(local.ExpYear, mirror.ExpYear, incoming.ExpYear)

	merged.TimesUsed = max(local.TimesUsed, incoming.TimesUsed)
	merged.TimeLastUsed = max(local.TimeLastUsed, incoming.TimeLastUsed)

	return merged
}

// mergeScalar - слияние одного скалярного поля по трёхсторонней схеме
func mergeScalar[T comparable](local, mirror, incoming T) T {
	if local == mirror {
		return incoming
	}
	if incoming == mirror {
		return local
	}
	// Оба изменились по-разному - удалённое значение выигрывает
	return incoming
}
