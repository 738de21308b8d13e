package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

const archiveContentType = "application/x-ndjson"

// SnapshotLister reads snapshots that are about to expire.
type SnapshotLister interface {
	ListBefore(ctx context.Context, tier string, before int64) ([]domain.PriceSnapshot, error)
}

// Archiver implements domain.SnapshotArchiver. Each run writes one JSONL
// object per UTC day of the expiring rows:
//
//	archive/snapshots/<tier>/<YYYY-MM-DD>/<cutoff>.jsonl
//
// Rows are not deleted here; the recorder deletes them once the archive
// succeeded.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	snapshots SnapshotLister
	audit     domain.AuditStore
	partSize  int64
}

// NewArchiver creates an Archiver. reader and audit may be nil; without a
// reader Restore is unavailable.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, snapshots SnapshotLister, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:    writer,
		reader:    reader,
		snapshots: snapshots,
		audit:     audit,
		partSize:  minPartSize,
	}
}

// ArchiveSnapshots uploads every snapshot of tier with a bucket before the
// cutoff and returns how many rows were written.
func (a *Archiver) ArchiveSnapshots(ctx context.Context, tier string, before int64) (int64, error) {
	snaps, err := a.snapshots.ListBefore(ctx, tier, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", tier, err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	byDay := make(map[string][]domain.PriceSnapshot)
	for _, s := range snaps {
		day := time.Unix(s.Timestamp, 0).UTC().Format(time.DateOnly)
		byDay[day] = append(byDay[day], s)
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	var count int64
	paths := make([]string, 0, len(days))
	for _, day := range days {
		buf, err := marshalJSONL(byDay[day])
		if err != nil {
			return count, fmt.Errorf("s3blob: archive %s marshal: %w", tier, err)
		}
		path := archivePath(tier, day, before)
		if int64(len(buf)) > a.partSize {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.partSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), archiveContentType)
		}
		if err != nil {
			return count, fmt.Errorf("s3blob: archive %s upload: %w", tier, err)
		}
		count += int64(len(byDay[day]))
		paths = append(paths, path)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.snapshots", map[string]any{
			"tier":   tier,
			"count":  count,
			"before": before,
			"paths":  paths,
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", tier, err)
		}
	}
	return count, nil
}

// Restore reads back every archived snapshot of tier for the given UTC day,
// ordered by pool and bucket.
func (a *Archiver) Restore(ctx context.Context, tier string, day time.Time) ([]domain.PriceSnapshot, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: restore: no reader configured")
	}
	prefix := dayPrefix(tier, day.UTC().Format(time.DateOnly))
	objects, err := a.reader.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: restore %s: %w", prefix, err)
	}

	var out []domain.PriceSnapshot
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Path, ".jsonl") {
			continue
		}
		snaps, err := a.readObject(ctx, obj.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, snaps...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PoolID != out[j].PoolID {
			return out[i].PoolID < out[j].PoolID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

func (a *Archiver) readObject(ctx context.Context, path string) ([]domain.PriceSnapshot, error) {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("s3blob: restore %s: %w", path, err)
	}
	defer body.Close()

	var out []domain.PriceSnapshot
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var s domain.PriceSnapshot
		if err := json.Unmarshal(sc.Bytes(), &s); err != nil {
			return nil, fmt.Errorf("s3blob: restore %s line %d: %w", path, line, err)
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: restore %s: %w", path, err)
	}
	return out, nil
}

func dayPrefix(tier, day string) string {
	return fmt.Sprintf("archive/snapshots/%s/%s/", tier, day)
}

func archivePath(tier, day string, before int64) string {
	return fmt.Sprintf("%s%d.jsonl", dayPrefix(tier, day), before)
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

var _ domain.SnapshotArchiver = (*Archiver)(nil)
