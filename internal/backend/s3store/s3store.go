// Пакет s3store — NEARLINE-плагин хранения файлов в S3 или совместимом хранилище.
//
// Объекты хранятся под ключом {prefix}/{checksum}; при compression=zstd
// содержимое сжимается и ключ получает суффикс .zst. URL файла — s3://{bucket}/{key}.
//
// Параметры плагина:
//   - bucket — имя бакета (обязательный)
//   - prefix — префикс ключей
//   - region — регион (по умолчанию us-east-1)
//   - endpoint — адрес S3-совместимого сервиса
//   - access_key, secret_key — статические учётные данные
//   - path_style — true для адресации бакета в пути
//   - compression — zstd или пусто
//   - max_batch_bytes — максимальный суммарный размер файлов задачи (по умолчанию 1 ГиБ)
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/klauspost/compress/zstd"

	"github.com/bigkaa/goartstore/storage-manager/internal/backend"
	"github.com/bigkaa/goartstore/storage-manager/internal/domain/model"
)

// PluginID — идентификатор плагина в фабрике.
const PluginID = "s3"

const (
	defaultRegion        = "us-east-1"
	defaultMaxBatchBytes = 1 << 30
	zstdSuffix           = ".zst"
)

// Options — параметры экземпляра плагина.
type Options struct {
	Bucket        string
	Prefix        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	Compress      bool
	MaxBatchBytes int64
}

// ParseOptions разбирает параметры плагина из записи реестра.
func ParseOptions(params map[string]string) (Options, error) {
	opts := Options{
		Bucket:        params["bucket"],
		Prefix:        strings.Trim(params["prefix"], "/"),
		Region:        params["region"],
		Endpoint:      params["endpoint"],
		AccessKey:     params["access_key"],
		SecretKey:     params["secret_key"],
		MaxBatchBytes: defaultMaxBatchBytes,
	}
	if opts.Bucket == "" {
		return opts, fmt.Errorf("%w: параметр bucket обязателен", backend.ErrInvalidParams)
	}
	if opts.Region == "" {
		opts.Region = defaultRegion
	}
	if v := params["path_style"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("%w: path_style=%q", backend.ErrInvalidParams, v)
		}
		opts.PathStyle = b
	}
	switch c := params["compression"]; c {
	case "":
	case "zstd":
		opts.Compress = true
	default:
		return opts, fmt.Errorf("%w: неизвестное сжатие %q", backend.ErrInvalidParams, c)
	}
	if v := params["max_batch_bytes"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("%w: max_batch_bytes=%q", backend.ErrInvalidParams, v)
		}
		opts.MaxBatchBytes = n
	}
	return opts, nil
}

// Store — экземпляр плагина для одного бэкенда.
type Store struct {
	label   string
	bt      model.BackendType
	opts    Options
	client   *s3.S3
	uploader *s3manager.Uploader
	sources  billy.Filesystem
	deps     []backend.Backend
	logger   *slog.Logger
}

// New создаёт плагин с клиентом S3.
func New(label string, bt model.BackendType, opts Options, sources billy.Filesystem,
	deps []backend.Backend, logger *slog.Logger) (*Store, error) {
	cfg := aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(opts.PathStyle),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	} else {
		cfg.Credentials = credentials.AnonymousCredentials
		logger.Warn("Учётные данные S3 не заданы, запись возможна только в публичный бакет")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания сессии AWS: %w", err)
	}

	client := s3.New(sess)
	return &Store{
		label:    label,
		bt:       bt,
		opts:     opts,
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		sources:  sources,
		deps:     deps,
		logger:   logger,
	}, nil
}

// Factory — фабрика плагина для backend.Registry.
func Factory(entry *model.BackendEntry, deps []backend.Backend, logger *slog.Logger) (backend.Backend, error) {
	opts, err := ParseOptions(entry.Config.Params)
	if err != nil {
		return nil, err
	}
	return New(entry.Config.Label, entry.Type, opts, osfs.New("/"), deps, logger)
}

func (s *Store) Label() string           { return s.label }
func (s *Store) Type() model.BackendType { return s.bt }

// Close ничего не освобождает: кодировщик zstd создаётся на каждую загрузку,
// поэтому экземпляр безопасно закрывать при незавершённых задачах.
func (s *Store) Close() error { return nil }

// Prepare делит запросы на подмножества не более max_batch_bytes.
func (s *Store) Prepare(reqs []*model.FileRequest, mode backend.Mode) ([]backend.WorkingSubset, error) {
	switch mode {
	case backend.ModeStore, backend.ModeRetrieve:
		return backend.ChunkBySize(reqs, s.opts.MaxBatchBytes), nil
	default:
		return nil, fmt.Errorf("неизвестный режим подготовки: %s", mode)
	}
}

// PrepareForDeletion упаковывает запросы удаления в подмножества по 1000 ключей.
func (s *Store) PrepareForDeletion(reqs []*model.FileRequest) ([]backend.WorkingSubset, error) {
	return backend.Chunk(reqs, 1000), nil
}

func (s *Store) key(checksum string) string {
	k := checksum
	if s.opts.Prefix != "" {
		k = path.Join(s.opts.Prefix, checksum)
	}
	if s.opts.Compress {
		k += zstdSuffix
	}
	return k
}

func (s *Store) url(key string) string {
	return "s3://" + s.opts.Bucket + "/" + key
}

// keyFromURL извлекает ключ объекта из URL s3://{bucket}/{key}.
func (s *Store) keyFromURL(url string) string {
	return strings.TrimPrefix(url, "s3://"+s.opts.Bucket+"/")
}

// Store загружает исходные файлы в бакет.
func (s *Store) Store(ctx context.Context, subset backend.WorkingSubset, reporter backend.Reporter) error {
	for _, req := range subset.Requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := s.key(req.Meta.Checksum)
		if err := s.put(ctx, req, key); err != nil {
			s.logger.Warn("Ошибка загрузки объекта в S3",
				slog.String("bucket", s.opts.Bucket),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			reporter.Failed(ctx, req, err.Error())
			continue
		}
		reporter.Stored(ctx, req, s.url(key))
	}
	return nil
}

// put загружает файл потоком: s3manager режет тело на части, при сжатии
// кодировщик пишет в трубу, из которой читает загрузчик.
func (s *Store) put(ctx context.Context, req *model.FileRequest, key string) error {
	start := time.Now()
	src, err := backend.OpenOrigin(ctx, req.Origin, s.deps, s.sources)
	if err != nil {
		return fmt.Errorf("открытие исходного файла %s: %w", req.Origin.URL, err)
	}
	defer src.Close()

	body := &countingReader{r: src}
	var input io.Reader = body
	if s.opts.Compress {
		pr, pw := io.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			pw.CloseWithError(compress(pw, body))
		}()
		defer func() {
			// Закрытие трубы прерывает кодировщик, если загрузка не дочитала тело
			pr.Close()
			<-done
		}()
		input = pr
	}

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        input,
		ContentType: aws.String(req.Meta.MimeType),
	})
	if err != nil {
		return fmt.Errorf("ошибка загрузки объекта: %w", err)
	}

	s.logger.Debug("Объект загружен в S3",
		slog.String("key", key),
		slog.Int64("size", body.n),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// compress сжимает src в dst кодировщиком zstd.
func compress(dst io.Writer, src io.Reader) error {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("ошибка создания кодировщика zstd: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return fmt.Errorf("ошибка сжатия: %w", err)
	}
	return enc.Close()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Delete удаляет объекты. Удаление отсутствующего объекта не является ошибкой.
func (s *Store) Delete(ctx context.Context, subset backend.WorkingSubset, reporter backend.Reporter) error {
	for _, req := range subset.Requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := s.key(req.Meta.Checksum)
		if req.Destination.URL != "" {
			key = s.keyFromURL(req.Destination.URL)
		}
		_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(key),
		})
		if err != nil && !isNotFound(err) {
			reporter.Failed(ctx, req, fmt.Sprintf("ошибка удаления объекта %s: %v", key, err))
			continue
		}
		reporter.Deleted(ctx, req)
	}
	return nil
}

// Retrieve скачивает объекты в назначение, выданное reporter.
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
		return 0, fmt.Errorf("ошибка скачивания объекта: %w", err)
	}
	return size, nil
}

// Open открывает объект по URL. Сжатые объекты распаковываются на лету.
func (s *Store) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	key := s.keyFromURL(url)
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrFileNotFound, key)
		}
		return nil, fmt.Errorf("ошибка получения объекта %s: %w", key, err)
	}
	if !strings.HasSuffix(key, zstdSuffix) {
		return out.Body, nil
	}

	dec, err := zstd.NewReader(out.Body)
	if err != nil {
		out.Body.Close()
		return nil, fmt.Errorf("ошибка создания декодера zstd: %w", err)
	}
	return &decodedBody{dec: dec, body: out.Body}, nil
}

// decodedBody закрывает и декодер, и тело ответа.
type decodedBody struct {
	dec  *zstd.Decoder
	body io.Closer
}

func (d *decodedBody) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decodedBody) Close() error {
	d.dec.Close()
	return d.body.Close()
}

// Available проверяет доступность бакета.
func (s *Store) Available(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.opts.Bucket),
	})
	if err != nil {
		return fmt.Errorf("бакет %s недоступен: %w", s.opts.Bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404")
}
