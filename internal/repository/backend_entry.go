package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// BackendEntryRepository — доступ к реестру бэкендов backend_entries.
type BackendEntryRepository interface {
	// Create создаёт запись. ErrConflict — метка или приоритет заняты.
	Create(ctx context.Context, e *model.BackendEntry) error
	GetByID(ctx context.Context, id int64) (*model.BackendEntry, error)
	GetByLabel(ctx context.Context, label string) (*model.BackendEntry, error)
	// List возвращает бэкенды, упорядоченные по (type, priority). nil — все типы.
	List(ctx context.Context, bt *model.BackendType) ([]*model.BackendEntry, error)
	// FindByPriority возвращает бэкенд типа bt с приоритетом priority.
	FindByPriority(ctx context.Context, bt model.BackendType, priority int) (*model.BackendEntry, error)
	// MaxPriority возвращает максимальный приоритет типа bt; ok=false — бэкендов нет.
	MaxPriority(ctx context.Context, bt model.BackendType) (priority int, ok bool, err error)
	// SetPriority устанавливает приоритет (nil — временно снять).
	SetPriority(ctx context.Context, id int64, priority *int) error
	// Update сохраняет конфигурацию бэкенда (без приоритета и типа).
	Update(ctx context.Context, e *model.BackendEntry) error
	Delete(ctx context.Context, id int64) error
	// ShiftDown уменьшает на единицу приоритеты типа bt, большие above.
	ShiftDown(ctx context.Context, bt model.BackendType, above int) error
}

type backendEntryRepo struct {
	db     DBTX
	tenant string
}

// NewBackendEntryRepository создаёт репозиторий реестра бэкендов арендатора.
func NewBackendEntryRepository(db DBTX, tenant string) BackendEntryRepository {
	return &backendEntryRepo{db: db, tenant: tenant}
}

const backendEntryColumns = `id, tenant, type, priority, label, plugin_id, active, params,
	depends_on, created_at, updated_at`

func scanBackendEntry(row pgx.Row) (*model.BackendEntry, error) {
	e := &model.BackendEntry{}
	err := row.Scan(
		&e.ID, &e.Tenant, &e.Type, &e.Priority, &e.Config.Label, &e.Config.PluginID,
		&e.Config.Active, &e.Config.Params, &e.Config.DependsOn, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func (r *backendEntryRepo) Create(ctx context.Context, e *model.BackendEntry) error {
	query := `
		INSERT INTO backend_entries (tenant, label, plugin_id, type, priority, active, params, depends_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		r.tenant, e.Config.Label, e.Config.PluginID, e.Type, e.Priority, e.Config.Active,
		nonNilParams(e.Config.Params), nonNilIDs(e.Config.DependsOn),
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: бэкенд %s или его приоритет уже заняты", ErrConflict, e.Config.Label)
		}
		return fmt.Errorf("ошибка создания бэкенда: %w", err)
	}
	e.Tenant = r.tenant
	return nil
}

func (r *backendEntryRepo) getOne(ctx context.Context, where string, args ...any) (*model.BackendEntry, error) {
	query := `SELECT ` + backendEntryColumns + ` FROM backend_entries WHERE tenant = $1 AND ` + where

	e, err := scanBackendEntry(r.db.QueryRow(ctx, query, append([]any{r.tenant}, args...)...))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения бэкенда: %w", err)
	}
	return e, nil
}

func (r *backendEntryRepo) GetByID(ctx context.Context, id int64) (*model.BackendEntry, error) {
	return r.getOne(ctx, "id = $2", id)
}

func (r *backendEntryRepo) GetByLabel(ctx context.Context, label string) (*model.BackendEntry, error) {
	return r.getOne(ctx, "label = $2", label)
}

func (r *backendEntryRepo) FindByPriority(ctx context.Context, bt model.BackendType, priority int) (*model.BackendEntry, error) {
	return r.getOne(ctx, "type = $2 AND priority = $3", bt, priority)
}

func (r *backendEntryRepo) List(ctx context.Context, bt *model.BackendType) ([]*model.BackendEntry, error) {
	query := `SELECT ` + backendEntryColumns + ` FROM backend_entries WHERE tenant = $1`
	args := []any{r.tenant}
	if bt != nil {
		query += ` AND type = $2`
		args = append(args, *bt)
	}
	// ONLINE раньше NEARLINE
	query += ` ORDER BY CASE type WHEN 'ONLINE' THEN 0 ELSE 1 END, priority NULLS LAST, id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка бэкендов: %w", err)
	}
	defer rows.Close()

	var result []*model.BackendEntry
	for rows.Next() {
		e, err := scanBackendEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования бэкенда: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *backendEntryRepo) MaxPriority(ctx context.Context, bt model.BackendType) (int, bool, error) {
	var maxPriority *int
	err := r.db.QueryRow(ctx,
		`SELECT MAX(priority) FROM backend_entries WHERE tenant = $1 AND type = $2`,
		r.tenant, bt).Scan(&maxPriority)
	if err != nil {
		return 0, false, fmt.Errorf("ошибка получения максимального приоритета: %w", err)
	}
	if maxPriority == nil {
		return 0, false, nil
	}
	return *maxPriority, true, nil
}

func (r *backendEntryRepo) SetPriority(ctx context.Context, id int64, priority *int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE backend_entries SET priority = $3, updated_at = NOW() WHERE tenant = $1 AND id = $2`,
		r.tenant, id, priority)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: приоритет уже занят", ErrConflict)
		}
		return fmt.Errorf("ошибка изменения приоритета: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *backendEntryRepo) Update(ctx context.Context, e *model.BackendEntry) error {
	query := `
		UPDATE backend_entries
		SET plugin_id = $3, active = $4, params = $5, depends_on = $6, updated_at = NOW()
		WHERE tenant = $1 AND id = $2
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		r.tenant, e.ID, e.Config.PluginID, e.Config.Active,
		nonNilParams(e.Config.Params), nonNilIDs(e.Config.DependsOn),
	).Scan(&e.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления бэкенда: %w", err)
	}
	return nil
}

func (r *backendEntryRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM backend_entries WHERE tenant = $1 AND id = $2`, r.tenant, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления бэкенда: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *backendEntryRepo) ShiftDown(ctx context.Context, bt model.BackendType, above int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE backend_entries
		SET priority = priority - 1, updated_at = NOW()
		WHERE tenant = $1 AND type = $2 AND priority > $3`,
		r.tenant, bt, above)
	if err != nil {
		return fmt.Errorf("ошибка перенумерации приоритетов: %w", err)
	}
	return nil
}

func nonNilParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
