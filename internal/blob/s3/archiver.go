package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 << 20

	defaultPageSize = 500
)

// AuditPruner removes audit rows once they are archived.
type AuditPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiverConfig configures the Archiver.
type ArchiverConfig struct {
	PageSize int
	// Prune deletes archived rows from the database after a successful upload.
	Prune bool
}

// Archiver implements domain.Archiver. Records are written as JSONL, one
// object per page, under
//
//	archive/executions/2006-01-02/<first-id>.jsonl
//	archive/audit/2006-01-02/<unix-nanos>.jsonl
type Archiver struct {
	writer     domain.BlobWriter
	reader     domain.BlobReader
	executions domain.ExecutionStore
	audit      domain.AuditStore
	pruner     AuditPruner
	cfg        ArchiverConfig
	logger     *slog.Logger
}

// NewArchiver creates an Archiver. reader and pruner may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, executions domain.ExecutionStore, audit domain.AuditStore, pruner AuditPruner, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return &Archiver{
		writer:     writer,
		reader:     reader,
		executions: executions,
		audit:      audit,
		pruner:     pruner,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveExecutions uploads every execution started before before, page by
// page, and returns how many were archived. With Prune set each page is
// deleted after its upload succeeds; without it only the first page is
// written, since the remaining rows cannot be paged past.
func (a *Archiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		page, err := a.executions.ListBefore(ctx, before, a.cfg.PageSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive executions query: %w", err)
		}
		if len(page) == 0 {
			break
		}

		path := fmt.Sprintf("archive/executions/%s/%s.jsonl", page[0].StartedAt.UTC().Format("2006-01-02"), page[0].ID)
		buf, err := marshalJSONL(page)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive executions: %w", err)
		}
		if err := a.upload(ctx, path, buf); err != nil {
			return total, fmt.Errorf("s3blob: archive executions: %w", err)
		}
		total += int64(len(page))

		if !a.cfg.Prune {
			break
		}
		ids := make([]string, len(page))
		for i, e := range page {
			ids[i] = e.ID
		}
		if _, err := a.executions.Delete(ctx, ids); err != nil {
			return total, fmt.Errorf("s3blob: prune archived executions: %w", err)
		}
		if len(page) < a.cfg.PageSize {
			break
		}
	}

	if total > 0 {
		a.record(ctx, "archive.executions", total, before)
	}
	return total, nil
}

// ArchiveAudit uploads audit entries created before before in a single object.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	path := fmt.Sprintf("archive/audit/%s/%d.jsonl", before.UTC().Format("2006-01-02"), before.UnixNano())
	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit: %w", err)
	}
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit: %w", err)
	}
	if a.cfg.Prune && a.pruner != nil {
		if _, err := a.pruner.DeleteBefore(ctx, before); err != nil {
			return int64(len(entries)), fmt.Errorf("s3blob: prune audit: %w", err)
		}
	}
	n := int64(len(entries))
	a.record(ctx, "archive.audit", n, before)
	return n, nil
}

// Run archives records older than retention every interval.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := a.ArchiveExecutions(ctx, cutoff); err != nil {
				a.logger.WarnContext(ctx, "archive executions failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived executions", slog.Int64("count", n))
			}
			if _, err := a.ArchiveAudit(ctx, cutoff); err != nil {
				a.logger.WarnContext(ctx, "archive audit failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return err
		}
		if exists {
			path = fmt.Sprintf("%s.%d.jsonl", path[:len(path)-len(".jsonl")], time.Now().UnixNano())
		}
	}

	if len(buf) >= multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
}

func (a *Archiver) record(ctx context.Context, event string, count int64, before time.Time) {
	if err := a.audit.Log(ctx, event, map[string]any{
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "audit archive event failed", slog.String("error", err.Error()))
	}
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
