// Пакет lifecycle — матрицы допустимых переходов для запросов журнала
// и для файлов кэша.
//
// Запрос: TODO → PENDING → (удаление при успехе | ERROR).
// Отказ до упаковки в задачу: TODO → ERROR. Повтор: ERROR → TODO.
// Потерянная задача возвращает запрос: PENDING → TODO.
//
// Кэш: QUEUED → RESTORING → AVAILABLE. Неудачное восстановление: RESTORING → QUEUED.
// Выход из AVAILABLE — только удаление строки.
package lifecycle

import (
	"fmt"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// requestTransitions — матрица переходов состояний запроса.
var requestTransitions = map[model.RequestStatus]map[model.RequestStatus]bool{
	model.StatusTodo:    {model.StatusPending: true, model.StatusError: true},
	model.StatusPending: {model.StatusError: true, model.StatusTodo: true},
	model.StatusError:   {model.StatusTodo: true},
}

// cacheTransitions — матрица переходов состояний файла кэша.
var cacheTransitions = map[model.CacheState]map[model.CacheState]bool{
	model.CacheQueued:    {model.CacheRestoring: true},
	model.CacheRestoring: {model.CacheAvailable: true, model.CacheQueued: true},
	model.CacheAvailable: {},
}

// TransitionError — ошибка недопустимого перехода.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, UNKNOWN_STATE
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CanTransitionRequest проверяет допустимость перехода запроса.
func CanTransitionRequest(from, to model.RequestStatus) bool {
	return requestTransitions[from][to]
}

// TransitionRequest переводит запрос в новое состояние.
// Переход в то же состояние допускается и ничего не меняет.
func TransitionRequest(req *model.FileRequest, to model.RequestStatus) error {
	if _, ok := requestTransitions[to]; !ok {
		return &TransitionError{
			Code:    "UNKNOWN_STATE",
			Message: fmt.Sprintf("недопустимое состояние запроса: %q", to),
		}
	}
	if req.Status == to {
		return nil
	}
	if !CanTransitionRequest(req.Status, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход запроса %s → %s недопустим", req.Status, to),
		}
	}
	req.Status = to
	if to != model.StatusError {
		req.ErrorCause = ""
	}
	return nil
}

// CanTransitionCache проверяет допустимость перехода файла кэша.
func CanTransitionCache(from, to model.CacheState) bool {
	return cacheTransitions[from][to]
}

// TransitionCache переводит файл кэша в новое состояние.
func TransitionCache(cf *model.CachedFile, to model.CacheState) error {
	if _, ok := cacheTransitions[to]; !ok {
		return &TransitionError{
			Code:    "UNKNOWN_STATE",
			Message: fmt.Sprintf("недопустимое состояние кэша: %q", to),
		}
	}
	if cf.State == to {
		return nil
	}
	if !CanTransitionCache(cf.State, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход кэша %s → %s недопустим", cf.State, to),
		}
	}
	cf.State = to
	return nil
}

// ParseRequestStatus преобразует строку в RequestStatus.
func ParseRequestStatus(s string) (model.RequestStatus, error) {
	st := model.RequestStatus(s)
	if _, ok := requestTransitions[st]; !ok {
		return "", fmt.Errorf("недопустимое состояние запроса: %q, допустимые: TODO, PENDING, ERROR", s)
	}
	return st, nil
}
