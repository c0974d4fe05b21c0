package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// FileReferenceRepository — доступ к таблице file_references.
type FileReferenceRepository interface {
	// Find возвращает файл на бэкенде storage с контрольной суммой checksum.
	Find(ctx context.Context, storage, checksum string) (*model.FileReference, error)
	// FindByChecksum возвращает все копии файла на разных бэкендах.
	FindByChecksum(ctx context.Context, checksum string) ([]*model.FileReference, error)
	// Create создаёт запись. ErrConflict — файл уже есть на этом бэкенде.
	Create(ctx context.Context, ref *model.FileReference) error
	// UpdateOwners заменяет набор владельцев.
	UpdateOwners(ctx context.Context, id int64, owners []string) error
	// UpdateLocation обновляет URL файла на бэкенде.
	UpdateLocation(ctx context.Context, id int64, url string) error
	// Delete удаляет запись.
	Delete(ctx context.Context, id int64) error
	// CountByStorage возвращает количество файлов на бэкенде.
	CountByStorage(ctx context.Context, storage string) (int, error)
}

type fileReferenceRepo struct {
	db     DBTX
	tenant string
}

// NewFileReferenceRepository создаёт репозиторий файлов арендатора.
func NewFileReferenceRepository(db DBTX, tenant string) FileReferenceRepository {
	return &fileReferenceRepo{db: db, tenant: tenant}
}

const fileReferenceColumns = `id, tenant, checksum, algorithm, file_name, file_size, mime_type,
	types, storage, url, owners, stored_at`

func scanFileReference(row pgx.Row) (*model.FileReference, error) {
	ref := &model.FileReference{}
	err := row.Scan(
		&ref.ID, &ref.Tenant, &ref.Meta.Checksum, &ref.Meta.Algorithm, &ref.Meta.FileName,
		&ref.Meta.FileSize, &ref.Meta.MimeType, &ref.Meta.Types,
		&ref.Location.Storage, &ref.Location.URL, &ref.Owners, &ref.StoredAt,
	)
	return ref, err
}

func (r *fileReferenceRepo) Find(ctx context.Context, storage, checksum string) (*model.FileReference, error) {
	query := `SELECT ` + fileReferenceColumns + `
		FROM file_references
		WHERE tenant = $1 AND storage = $2 AND checksum = $3`

	ref, err := scanFileReference(r.db.QueryRow(ctx, query, r.tenant, storage, checksum))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return ref, nil
}

func (r *fileReferenceRepo) FindByChecksum(ctx context.Context, checksum string) ([]*model.FileReference, error) {
	query := `SELECT ` + fileReferenceColumns + `
		FROM file_references
		WHERE tenant = $1 AND checksum = $2
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, r.tenant, checksum)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска копий файла: %w", err)
	}
	defer rows.Close()

	var result []*model.FileReference
	for rows.Next() {
		ref, err := scanFileReference(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, ref)
	}
	return result, rows.Err()
}

func (r *fileReferenceRepo) Create(ctx context.Context, ref *model.FileReference) error {
	query := `
		INSERT INTO file_references (tenant, checksum, algorithm, file_name, file_size,
			mime_type, types, storage, url, owners, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	types := ref.Meta.Types
	if types == nil {
		types = []string{}
	}

	err := r.db.QueryRow(ctx, query,
		r.tenant, ref.Meta.Checksum, ref.Meta.Algorithm, ref.Meta.FileName, ref.Meta.FileSize,
		ref.Meta.MimeType, types, ref.Location.Storage, ref.Location.URL, nonNil(ref.Owners), ref.StoredAt,
	).Scan(&ref.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %s уже есть на бэкенде %s", ErrConflict, ref.Meta.Checksum, ref.Location.Storage)
		}
		return fmt.Errorf("ошибка создания файла: %w", err)
	}
	ref.Tenant = r.tenant
	return nil
}

func (r *fileReferenceRepo) UpdateOwners(ctx context.Context, id int64, owners []string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE file_references SET owners = $3, updated_at = NOW() WHERE tenant = $1 AND id = $2`,
		r.tenant, id, nonNil(owners))
	if err != nil {
		return fmt.Errorf("ошибка обновления владельцев: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileReferenceRepo) UpdateLocation(ctx context.Context, id int64, url string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE file_references SET url = $3, updated_at = NOW() WHERE tenant = $1 AND id = $2`,
		r.tenant, id, url)
	if err != nil {
		return fmt.Errorf("ошибка обновления местоположения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileReferenceRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM file_references WHERE tenant = $1 AND id = $2`, r.tenant, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileReferenceRepo) CountByStorage(ctx context.Context, storage string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM file_references WHERE tenant = $1 AND storage = $2`,
		r.tenant, storage).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта файлов бэкенда: %w", err)
	}
	return count, nil
}
