package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
)

// ErrArchiveDisabled is returned by Archive when no object store is configured.
var ErrArchiveDisabled = errors.New("report: archive storage not configured")

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Uploader is the subset of *minio.Client used for archiving.
type Uploader interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Service struct {
	source   Source
	cache    Cache
	cacheTTL time.Duration
	uploader Uploader
	bucket   string
	now      func() time.Time
}

type Option func(*Service)

// WithCache enables caching of computed portfolios.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithArchive enables Archive uploads to bucket.
func WithArchive(u Uploader, bucket string) Option {
	return func(s *Service) {
		s.uploader = u
		s.bucket = bucket
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(source Source, opts ...Option) *Service {
	s := &Service{source: source, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// generationKey holds the counter that Invalidate bumps. Cached portfolios
// are keyed by it so a write to the ledger orphans every earlier entry.
const generationKey = "portfolio:generation"

// Portfolio builds the report for the calendar date of asOf; a zero asOf
// means today. Cache failures are logged and never fail the request.
func (s *Service) Portfolio(ctx context.Context, asOf time.Time) (Portfolio, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	y, m, d := asOf.Date()
	asOf = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	key := s.cacheKey(ctx, asOf)
	if key != "" {
		raw, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			log.Printf("[REPORT][CACHE][WARN] get %s: %v", key, err)
		case ok:
			var p Portfolio
			if err := json.Unmarshal([]byte(raw), &p); err == nil {
				return p, nil
			}
			log.Printf("[REPORT][CACHE][WARN] decode %s: %v", key, err)
		}
	}

	p, err := s.compute(ctx, asOf)
	if err != nil {
		return Portfolio{}, err
	}

	if key != "" {
		if raw, err := json.Marshal(p); err == nil {
			if err := s.cache.Set(ctx, key, string(raw), s.cacheTTL); err != nil {
				log.Printf("[REPORT][CACHE][WARN] set %s: %v", key, err)
			}
		}
	}
	return p, nil
}

// Invalidate drops every cached portfolio. Call it after a committed ledger
// write; a no-op when no cache is configured.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if _, err := s.cache.Incr(ctx, generationKey); err != nil {
		return fmt.Errorf("report: invalidate cache: %w", err)
	}
	return nil
}

// cacheKey returns "" when caching is off or the generation cannot be read.
func (s *Service) cacheKey(ctx context.Context, asOf time.Time) string {
	if s.cache == nil {
		return ""
	}
	gen, ok, err := s.cache.Get(ctx, generationKey)
	if err != nil {
		log.Printf("[REPORT][CACHE][WARN] get %s: %v", generationKey, err)
		return ""
	}
	if !ok {
		gen = "0"
	}
	return "portfolio:" + gen + ":" + asOf.Format(time.DateOnly)
}

func (s *Service) compute(ctx context.Context, asOf time.Time) (Portfolio, error) {
	summary, err := s.source.Summary(ctx)
	if err != nil {
		return Portfolio{}, err
	}

	from, to := window(asOf)
	scheduled, err := s.source.ScheduledByMonth(ctx, from, to)
	if err != nil {
		return Portfolio{}, err
	}
	repaid, err := s.source.RepaidByMonth(ctx, from, to)
	if err != nil {
		return Portfolio{}, err
	}

	labels := months(from, to)
	return Portfolio{
		AsOf:               asOf,
		ActiveContracts:    summary.ActiveContracts,
		ActivePrincipal:    summary.ActivePrincipal,
		OutstandingBalance: summary.OutstandingBalance,
		Scheduled:          fill(labels, scheduled),
		Repaid:             fill(labels, repaid),
	}, nil
}

// Export renders the portfolio as an XLSX workbook.
func (s *Service) Export(ctx context.Context, asOf time.Time) ([]byte, Portfolio, error) {
	p, err := s.Portfolio(ctx, asOf)
	if err != nil {
		return nil, Portfolio{}, err
	}
	data, err := RenderXLSX(p)
	if err != nil {
		return nil, Portfolio{}, err
	}
	return data, p, nil
}

// Archive uploads the exported workbook and returns its object key.
func (s *Service) Archive(ctx context.Context, asOf time.Time) (string, error) {
	if s.uploader == nil {
		return "", ErrArchiveDisabled
	}

	data, p, err := s.Export(ctx, asOf)
	if err != nil {
		return "", err
	}

	key := ArchiveKey(p.AsOf)
	log.Printf("[REPORT][ARCHIVE][START] bucket=%q key=%q size=%d", s.bucket, key, len(data))
	info, err := s.uploader.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: xlsxContentType})
	if err != nil {
		return "", fmt.Errorf("report: upload %s: %w", key, err)
	}
	log.Printf("[REPORT][ARCHIVE][OK] key=%q etag=%q", key, info.ETag)
	return key, nil
}

// ArchiveKey is the object name a portfolio for asOf is stored under.
func ArchiveKey(asOf time.Time) string {
	return "reports/portfolio-" + asOf.Format(time.DateOnly) + ".xlsx"
}
