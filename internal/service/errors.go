// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт: ресурс уже существует или изменён конкурирующей операцией.
	ErrConflict = errors.New("конфликт — ресурс уже существует или изменён")
	// ErrInvalidState — операция недопустима в текущем статусе ресурса.
	ErrInvalidState = errors.New("операция недопустима в текущем статусе")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrDependency — внешняя зависимость (платёжный шлюз) недоступна.
	ErrDependency = errors.New("внешняя зависимость недоступна")
)
