package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
)

// Archiver сохраняет записи журнала перед их удалением по сроку хранения
type Archiver interface {
	Archive(ctx context.Context, entityType string, before time.Time, recs []Record) error
}

// WriteArchive пишет записи в w как JSON Lines, сжатые zstd
func WriteArchive(w io.Writer, recs []Record) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	je := json.NewEncoder(enc)
	for i := range recs {
		if err := je.Encode(recs[i]); err != nil {
			enc.Close()
			return fmt.Errorf("encode audit record %d: %w", i, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return nil
}

// ReadArchive читает архив, записанный WriteArchive
func ReadArchive(r io.Reader) ([]Record, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	var recs []Record
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode audit record %d: %w", len(recs), err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to decompress archive: %w", err)
	}
	return recs, nil
}

// archiveName - имя объекта архива
func archiveName(entityType string, before time.Time, now time.Time) string {
	return fmt.Sprintf("%s/before-%s-%d.jsonl.zst",
		entityType,
		before.UTC().Format("20060102T150405Z"),
		now.UnixNano(),
	)
}

// FileArchiver складывает архивы в локальный каталог
type FileArchiver struct {
	Dir string
}

// Archive пишет архив во временный файл и переименовывает его
func (a *FileArchiver) Archive(_ context.Context, entityType string, before time.Time, recs []Record) error {
	name := filepath.Join(a.Dir, filepath.FromSlash(archiveName(entityType, before, time.Now())))
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp := name + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	if err := WriteArchive(f, recs); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return os.Rename(tmp, name)
}

// S3Config - параметры архива в S3-совместимом хранилище
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint - адрес S3-совместимого сервиса (MinIO и т.п.)
	Endpoint string `yaml:"endpoint"`
}

// S3Archiver загружает архивы в S3
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Archiver создает клиента из стандартной цепочки учетных данных AWS
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiverWithClient использует готовый клиент
func NewS3ArchiverWithClient(client manager.UploadAPIClient, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Archive сжимает записи и загружает их одним объектом
func (a *S3Archiver) Archive(ctx context.Context, entityType string, before time.Time, recs []Record) error {
	var buf bytes.Buffer
	if err := WriteArchive(&buf, recs); err != nil {
		return err
	}
	key := path.Join(a.prefix, archiveName(entityType, before, time.Now()))
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit archive s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
