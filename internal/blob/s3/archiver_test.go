package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[path] = b
	m.mu.Unlock()
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

type execStore struct {
	rows    []domain.SequenceExecution
	deleted []string
}

func (s *execStore) Create(context.Context, domain.SequenceExecution) error { return nil }
func (s *execStore) GetByID(context.Context, string) (domain.SequenceExecution, error) {
	return domain.SequenceExecution{}, domain.ErrNotFound
}
func (s *execStore) ListRecent(context.Context, int) ([]domain.SequenceExecution, error) {
	return s.rows, nil
}
func (s *execStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.SequenceExecution, error) {
	var out []domain.SequenceExecution
	for _, r := range s.rows {
		if r.StartedAt.Before(before) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}
func (s *execStore) Delete(_ context.Context, ids []string) (int64, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.rows[:0]
	for _, r := range s.rows {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	s.rows = kept
	s.deleted = append(s.deleted, ids...)
	return int64(len(ids)), nil
}
func (s *execStore) SumProfit(context.Context, time.Time) (float64, error) { return 0, nil }

type auditLog struct {
	entries []domain.AuditEntry
	events  []string
	pruned  int
}

func (l *auditLog) Log(_ context.Context, event string, _ map[string]any) error {
	l.events = append(l.events, event)
	return nil
}
func (l *auditLog) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range l.entries {
		if opts.Until == nil || !e.CreatedAt.After(*opts.Until) {
			out = append(out, e)
		}
	}
	return out, nil
}
func (l *auditLog) DeleteBefore(context.Context, time.Time) (int64, error) {
	l.pruned++
	return int64(len(l.entries)), nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiver_PagesAndPrunesExecutions(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &execStore{}
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		store.rows = append(store.rows, domain.SequenceExecution{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	blob := newMemBlob()
	audit := &auditLog{}
	a := NewArchiver(blob, blob, store, audit, audit, ArchiverConfig{PageSize: 2, Prune: true}, discard())

	n, err := a.ArchiveExecutions(context.Background(), base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, []string{"a", "b", "c", "d"}, store.deleted)
	require.Len(t, store.rows, 1)
	assert.Equal(t, []string{"archive.executions"}, audit.events)

	objs, _ := blob.List(context.Background(), "archive/executions/2026-03-01/")
	assert.Len(t, objs, 2)
	first := blob.objects["archive/executions/2026-03-01/a.jsonl"]
	assert.Equal(t, 2, bytes.Count(first, []byte("\n")))
}

func TestArchiver_WithoutPruneWritesOnePage(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &execStore{rows: []domain.SequenceExecution{
		{ID: "a", StartedAt: base}, {ID: "b", StartedAt: base}, {ID: "c", StartedAt: base},
	}}
	blob := newMemBlob()
	a := NewArchiver(blob, nil, store, &auditLog{}, nil, ArchiverConfig{PageSize: 2}, discard())

	n, err := a.ArchiveExecutions(context.Background(), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, store.deleted)
}

func TestArchiver_AuditKeepsExistingObject(t *testing.T) {
	cutoff := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	blob := newMemBlob()
	path := "archive/audit/2026-03-02/" + "1772409600000000000.jsonl"
	blob.objects[path] = []byte("old\n")
	audit := &auditLog{entries: []domain.AuditEntry{
		{ID: 1, Event: "book.resync", CreatedAt: cutoff.Add(-time.Hour)},
		{ID: 2, Event: "order.submitted", CreatedAt: cutoff.Add(time.Hour)},
	}}
	a := NewArchiver(blob, blob, &execStore{}, audit, audit, ArchiverConfig{Prune: true}, discard())

	n, err := a.ArchiveAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, audit.pruned)
	assert.Equal(t, []byte("old\n"), blob.objects[path])
	objs, _ := blob.List(context.Background(), "archive/audit/")
	assert.Len(t, objs, 2)
}
