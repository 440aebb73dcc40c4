package reconciliation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ArchiveStore persists exported report files.
type ArchiveStore interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// GCSStore writes archives to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore connects to GCS. Explicit credentials JSON takes precedence
// over application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsJSON string) (*GCSStore, error) {
	var (
		client *storage.Client
		err    error
	)
	if strings.TrimSpace(credentialsJSON) != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("reconciliation: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Put uploads data and returns its gs:// location.
func (s *GCSStore) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	object := name
	if s.prefix != "" {
		object = path.Join(s.prefix, name)
	}
	wc := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("reconciliation: upload %s: %w", object, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("reconciliation: close %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// DirStore writes archives below a local directory.
type DirStore struct {
	root string
}

// NewDirStore constructs a DirStore rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{root: dir}
}

// Put writes data atomically and returns the file path.
func (s *DirStore) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	target := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".archive-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	return target, nil
}

// ArchiveName is the object name of a company's monthly workbook.
func ArchiveName(companyID int64, month time.Time) string {
	return fmt.Sprintf("accrued-revenue/%d/%s.xlsx", companyID, MonthStart(month).Format("2006-01"))
}

// ArchiveMonthly renders the workbook of month and stores it.
func (s *Service) ArchiveMonthly(ctx context.Context, store ArchiveStore, companyID int64, month time.Time) (string, error) {
	details, err := s.Details(ctx, companyID, month, month)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := WriteMonthlyWorkbook(&buf, s.cfg.CompanyName, details); err != nil {
		return "", err
	}
	location, err := store.Put(ctx, ArchiveName(companyID, month), XLSXContentType, buf.Bytes())
	if err != nil {
		return "", err
	}
	s.logger.Info("accrued revenue report archived",
		slog.Int64("company_id", companyID), slog.String("month", month.Format("2006-01")), slog.String("location", location))
	return location, nil
}
