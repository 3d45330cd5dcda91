package model

import "time"

// SweepResult — итог одного прохода ReviewScheduler.
type SweepResult struct {
	// QuotesAutoApproved — котировки, одобренные при повторной проверке SLA
	QuotesAutoApproved int
	// QuotesEscalated — котировки, переведённые в needs_info по истечении SLA
	QuotesEscalated int
	// QuotesRetained — котировки needs_info, оставленные без изменений
	QuotesRetained int
	// QuotesExpired — котировки, переведённые в expired
	QuotesExpired int
	// PoliciesExpired — полисы, переведённые в expired
	PoliciesExpired int
	// Failures — записи, обработка которых завершилась ошибкой (sweep продолжается)
	Failures int
	// StartedAt — время начала прохода
	StartedAt time.Time
	// CompletedAt — время завершения прохода
	CompletedAt time.Time
}
