// Пакет diskstore — ONLINE-плагин хранения файлов на локальном диске.
//
// Файлы раскладываются по пути {checksum[0:2]}/{checksum} внутри корня бэкенда.
// Запись: временный файл → копирование с подсчётом SHA-256 → проверка суммы → rename.
//
// Параметры плагина:
//   - root — корневая директория (обязательный)
//   - batch_size — максимальное количество запросов в задаче (по умолчанию 100)
package diskstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/bigkaa/goartstore/storage-manager/internal/backend"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// PluginID — идентификатор плагина в фабрике.
const PluginID = "disk"

const defaultBatchSize = 100

// Store — экземпляр плагина для одного бэкенда.
type Store struct {
	label     string
	bt        model.BackendType
	root      string
	fs        billy.Filesystem
	sources   billy.Filesystem
	deps      []backend.Backend
	batchSize int
	logger    *slog.Logger
}

// New создаёт плагин поверх файловой системы fs.
// sources — файловая система, из которой читаются локальные исходные файлы.
func New(label string, bt model.BackendType, root string, fs, sources billy.Filesystem,
	deps []backend.Backend, batchSize int, logger *slog.Logger) *Store {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Store{
		label:     label,
		bt:        bt,
		root:      root,
		fs:        fs,
		sources:   sources,
		deps:      deps,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Factory — фабрика плагина для backend.Registry.
func Factory(entry *model.BackendEntry, deps []backend.Backend, logger *slog.Logger) (backend.Backend, error) {
	root := entry.Config.Params["root"]
	if root == "" {
		return nil, fmt.Errorf("%w: параметр root обязателен", backend.ErrInvalidParams)
	}
	batchSize := defaultBatchSize
	if v, ok := entry.Config.Params["batch_size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: batch_size=%q", backend.ErrInvalidParams, v)
		}
		batchSize = n
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", root, err)
	}
	return New(entry.Config.Label, entry.Type, root, osfs.New(root), osfs.New("/"),
		deps, batchSize, logger), nil
}

func (s *Store) Label() string           { return s.label }
func (s *Store) Type() model.BackendType { return s.bt }

// Prepare проверяет запросы и делит их на подмножества по batch_size.
func (s *Store) Prepare(reqs []*model.FileRequest, mode backend.Mode) ([]backend.WorkingSubset, error) {
	switch mode {
	case backend.ModeStore, backend.ModeRetrieve:
	default:
		return nil, fmt.Errorf("неизвестный режим подготовки: %s", mode)
	}
	for _, r := range reqs {
		if r.Meta.Checksum == "" {
			return nil, fmt.Errorf("запрос %d без контрольной суммы", r.ID)
		}
	}
	return backend.Chunk(reqs, s.batchSize), nil
}

// PrepareForDeletion делит запросы удаления на подмножества по batch_size.
func (s *Store) PrepareForDeletion(reqs []*model.FileRequest) ([]backend.WorkingSubset, error) {
	return backend.Chunk(reqs, s.batchSize), nil
}

func relPath(checksum string) string {
	if len(checksum) < 2 {
		return checksum
	}
	return path.Join(checksum[:2], checksum)
}

func (s *Store) url(rel string) string {
	return "file://" + path.Join(s.root, rel)
}

// relFromURL возвращает путь внутри корня бэкенда.
func (s *Store) relFromURL(url string) string {
	p := backend.LocalPath(url)
	return strings.TrimPrefix(strings.TrimPrefix(p, s.root), "/")
}

// Store копирует исходные файлы в бэкенд. Ошибка одного файла не прерывает подмножество.
func (s *Store) Store(ctx context.Context, subset backend.WorkingSubset, reporter backend.Reporter) error {
	for _, req := range subset.Requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := relPath(req.Meta.Checksum)
		if err := s.storeOne(ctx, req, rel); err != nil {
			s.logger.Warn("Ошибка сохранения файла",
				slog.String("checksum", req.Meta.Checksum),
				slog.String("error", err.Error()),
			)
			reporter.Failed(ctx, req, err.Error())
			continue
		}
		reporter.Stored(ctx, req, s.url(rel))
	}
	return nil
}

func (s *Store) storeOne(ctx context.Context, req *model.FileRequest, rel string) error {
	if _, err := s.fs.Stat(rel); err == nil {
		// Файл уже на месте (повтор после потерянной задачи)
		return nil
	}

	src, err := backend.OpenOrigin(ctx, req.Origin, s.deps, s.sources)
	if err != nil {
		return fmt.Errorf("открытие исходного файла %s: %w", req.Origin.URL, err)
	}
	defer src.Close()

	if err := s.fs.MkdirAll(path.Dir(rel), 0o750); err != nil {
		return fmt.Errorf("создание директории: %w", err)
	}

	tmp := rel + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	var hasher hash.Hash
	var reader io.Reader = src
	if strings.EqualFold(req.Meta.Algorithm, "sha256") {
		hasher = sha256.New()
		reader = io.TeeReader(src, hasher)
	}

	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("ошибка записи данных: %w", err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if hasher != nil {
		if sum := hex.EncodeToString(hasher.Sum(nil)); !strings.EqualFold(sum, req.Meta.Checksum) {
			s.fs.Remove(tmp)
			return fmt.Errorf("контрольная сумма %s не совпадает с ожидаемой %s", sum, req.Meta.Checksum)
		}
	}

	if err := s.fs.Rename(tmp, rel); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Delete удаляет файлы. Отсутствующий файл считается удалённым.
func (s *Store) Delete(ctx context.Context, subset backend.WorkingSubset, reporter backend.Reporter) error {
	for _, req := range subset.Requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := relPath(req.Meta.Checksum)
		if req.Destination.URL != "" {
			rel = s.relFromURL(req.Destination.URL)
		}
		if err := s.fs.Remove(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
			reporter.Failed(ctx, req, fmt.Sprintf("ошибка удаления файла %s: %v", rel, err))
			continue
		}
		reporter.Deleted(ctx, req)
	}
	return nil
}

// Retrieve копирует файлы в назначение, выданное reporter.
func (s *Store) Retrieve(ctx context.Context, subset backend.WorkingSubset, reporter backend.Reporter) error {
	for _, req := range subset.Requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		size, err := s.retrieveOne(ctx, req, reporter)
		if err != nil {
			reporter.Failed(ctx, req, err.Error())
			continue
		}
		reporter.Retrieved(ctx, req, size)
	}
	return nil
}

func (s *Store) retrieveOne(ctx context.Context, req *model.FileRequest, reporter backend.Reporter) (int64, error) {
	src, err := s.Open(ctx, req.Origin.URL)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := reporter.Target(req)
	if err != nil {
		return 0, fmt.Errorf("открытие файла назначения: %w", err)
	}
	size, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("ошибка копирования файла: %w", err)
	}
	return size, nil
}

// Open открывает файл бэкенда по URL.
func (s *Store) Open(_ context.Context, url string) (io.ReadCloser, error) {
	rel := s.relFromURL(url)
	f, err := s.fs.Open(rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", backend.ErrFileNotFound, rel)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", rel, err)
	}
	return f, nil
}

// Available проверяет, что корень бэкенда доступен на запись.
func (s *Store) Available(_ context.Context) error {
	const probe = ".probe"
	if err := util.WriteFile(s.fs, probe, []byte("ok"), 0o640); err != nil {
		return fmt.Errorf("корень %s недоступен на запись: %w", s.root, err)
	}
	return s.fs.Remove(probe)
}
