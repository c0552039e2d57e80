package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/Maphikza/btc-payment-hub.git/internal/hub"
	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

// Ingester consumes blocks in height order. BlockNumber is the last height the
// ingester's own state has recorded.
type Ingester interface {
	IngestBlock(ctx context.Context, height uint64, txs []*wire.MsgTx) (hub.BlockResult, error)
	BlockNumber() uint64
}

// Cursor persists the last block handed to the ingester.
type Cursor interface {
	GetLastScannedBlockHeight() (uint64, error)
	SetLastScannedBlockHeight(height uint64) error
}

// Follower feeds every new block from a BlockSource to the hub, resuming from
// the persisted cursor. A fresh cursor starts at the current tip. When the
// ingester restarted from an older snapshot than the cursor, the follower
// rescans from the ingester's height; repeated deposits are ignored there.
type Follower struct {
	Source   BlockSource
	Ingester Ingester
	Cursor   Cursor
	Interval time.Duration
	// AfterSync runs after a pass that ingested at least one block.
	AfterSync func()

	log zerolog.Logger
}

// Run polls until ctx is cancelled.
func (f *Follower) Run(ctx context.Context) error {
	f.log = logger.With("chain")
	interval := f.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := f.SyncOnce(ctx); err != nil {
			f.log.Error().Err(err).Msg("chain sync failed")
		} else if n > 0 {
			f.log.Info().Int("blocks", n).Msg("chain sync complete")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce ingests every block above the resume height up to the source's best
// height and returns how many were ingested. The cursor advances after each
// block.
func (f *Follower) SyncOnce(ctx context.Context) (int, error) {
	best, err := f.Source.BestHeight(ctx)
	if err != nil {
		return 0, err
	}
	last, err := f.Cursor.GetLastScannedBlockHeight()
	if err != nil {
		return 0, fmt.Errorf("failed to read scan cursor: %w", err)
	}
	if known := f.Ingester.BlockNumber(); known > 0 && known < last {
		f.log.Warn().Uint64("cursor", last).Uint64("ledger", known).Msg("ledger is behind the scan cursor, rescanning")
		last = known
	}
	if last == 0 && best > 0 {
		last = best - 1
	}

	n := 0
	for height := last + 1; height <= best; height++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		txs, err := f.Source.BlockAt(ctx, height)
		if err != nil {
			return n, err
		}
		if _, err := f.Ingester.IngestBlock(ctx, height, txs); err != nil {
			return n, fmt.Errorf("failed to ingest block %d: %w", height, err)
		}
		if err := f.Cursor.SetLastScannedBlockHeight(height); err != nil {
			return n, fmt.Errorf("failed to update scan cursor: %w", err)
		}
		n++
	}
	if n > 0 && f.AfterSync != nil {
		f.AfterSync()
	}
	return n, nil
}
