package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// TransactionLister is the read side of the transaction repository that the
// archiver needs.
type TransactionLister interface {
	FindAll(ctx context.Context) ([]*domain.Transaction, error)
}

// archiveTimeLayout names archive objects by their cutoff.
const archiveTimeLayout = "2006-01-02T150405Z"

// ArchiveImpl implements domain.Archiver. Each run uploads the completed
// transactions stamped between the previous cutoff and the new one as one
// JSONL object. Archived rows stay in the primary store.
type ArchiveImpl struct {
	reader   domain.BlobReader
	writer   domain.BlobWriter
	txs      TransactionLister
	partSize int64
	logger   *slog.Logger

	mu      sync.Mutex
	resumed bool
	since   domain.Timestamp
}

// NewArchiver creates an ArchiveImpl. partSize is the multipart chunk size.
// The first run picks up after the newest object already under the archive
// prefix.
func NewArchiver(reader domain.BlobReader, writer domain.BlobWriter, txs TransactionLister, partSize int64, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		reader:   reader,
		writer:   writer,
		txs:      txs,
		partSize: partSize,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// resume sets the watermark from the latest cutoff found in the bucket.
func (a *ArchiveImpl) resume(ctx context.Context) error {
	prefix := archivePrefix("transactions")
	infos, err := a.reader.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("s3blob: archive resume: %w", err)
	}
	for _, info := range infos {
		name := strings.TrimSuffix(strings.TrimPrefix(info.Path, prefix), ".jsonl")
		at, err := time.Parse(archiveTimeLayout, name)
		if err != nil {
			continue
		}
		a.since = max(a.since, domain.TimestampOf(at))
	}
	a.resumed = true
	if a.since > 0 {
		a.logger.InfoContext(ctx, "archiver: resuming after previous run",
			slog.Int64("since", int64(a.since)),
			slog.Int("objects", len(infos)),
		)
	}
	return nil
}

// ArchiveTransactions uploads the completed transactions older than before
// and returns how many were written.
func (a *ArchiveImpl) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.resumed {
		if err := a.resume(ctx); err != nil {
			return 0, err
		}
	}

	all, err := a.txs.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions query: %w", err)
	}
	cutoff := domain.TimestampOf(before)
	var records []domain.TransactionDict
	for _, tx := range all {
		if tx.Status() != domain.TransactionCompleted {
			continue
		}
		if tx.Timestamp() < a.since || tx.Timestamp() >= cutoff {
			continue
		}
		records = append(records, tx.ToDictionary())
	}
	if len(records) == 0 {
		a.since = max(a.since, cutoff)
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions marshal: %w", err)
	}
	path := archivePath("transactions", before)
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.partSize); err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions upload: %w", err)
	}
	a.since = max(a.since, cutoff)

	count := int64(len(records))
	a.logger.InfoContext(ctx, "archiver: transactions archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Time("before", before),
	)
	return count, nil
}

// archivePath names one run's object by its cutoff:
//
//	archive/transactions/2026-10-15T030000Z.jsonl
func archivePath(kind string, before time.Time) string {
	return archivePrefix(kind) + before.UTC().Format(archiveTimeLayout) + ".jsonl"
}

func archivePrefix(kind string) string {
	return "archive/" + kind + "/"
}

// marshalJSONL writes one compact JSON document per line.
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

var _ domain.Archiver = (*ArchiveImpl)(nil)
