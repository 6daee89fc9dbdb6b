package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// LedgerPrefix is where block dictionaries of settled transactions live.
const LedgerPrefix = "ledger/transactions/"

// Ledger implements domain.Ledger by writing one immutable JSON object per
// transaction. A transaction recorded before is left untouched.
type Ledger struct {
	reader domain.BlobReader
	writer domain.BlobWriter
	logger *slog.Logger
}

func NewLedger(reader domain.BlobReader, writer domain.BlobWriter, logger *slog.Logger) *Ledger {
	return &Ledger{
		reader: reader,
		writer: writer,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// LedgerPath is the object key of tx's block.
func LedgerPath(id domain.TransactionID) string {
	return LedgerPrefix + id.String() + ".json"
}

func (l *Ledger) Record(ctx context.Context, tx *domain.Transaction) error {
	path := LedgerPath(tx.ID())
	exists, err := l.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: ledger check %s: %w", path, err)
	}
	if exists {
		l.logger.DebugContext(ctx, "ledger: block already recorded", slog.String("path", path))
		return nil
	}

	body, err := json.Marshal(tx.ToBlockDictionary())
	if err != nil {
		return fmt.Errorf("s3blob: ledger marshal %s: %w", tx.ID(), err)
	}
	if err := l.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		return fmt.Errorf("s3blob: ledger put %s: %w", path, err)
	}
	l.logger.InfoContext(ctx, "ledger: block recorded",
		slog.String("transaction_id", tx.ID().String()),
		slog.String("path", path),
	)
	return nil
}

// Block reads a recorded block back.
func (l *Ledger) Block(ctx context.Context, id domain.TransactionID) (domain.BlockDict, error) {
	var block domain.BlockDict
	rc, err := l.reader.Get(ctx, LedgerPath(id))
	if err != nil {
		return block, err
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(&block); err != nil {
		return block, fmt.Errorf("s3blob: ledger decode %s: %w", id, err)
	}
	return block, nil
}

var _ domain.Ledger = (*Ledger)(nil)
