package hub

import (
	"errors"
	"fmt"

	hubstatedb "github.com/Maphikza/btc-payment-hub.git/internal/database"
	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
	"github.com/Maphikza/btc-payment-hub.git/internal/seal"
)

// SaveSnapshot seals the ledger and stores it when a mutating call ran since
// the last save. It reports whether a snapshot was written.
func (h *Hub) SaveSnapshot() (bool, error) {
	if h.store == nil {
		return false, errors.New("no snapshot store configured")
	}
	h.saveMu.Lock()
	defer h.saveMu.Unlock()

	h.mu.Lock()
	generation := h.generation
	if generation == h.savedGeneration {
		h.mu.Unlock()
		return false, nil
	}
	stateID := h.state.StateID()
	data, err := h.state.Serialize()
	height := h.state.BlockNumber()
	h.mu.Unlock()
	if err != nil {
		return false, err
	}

	blob, err := seal.Seal(data, h.passphrase)
	if err != nil {
		return false, err
	}
	if err := h.store.SaveSnapshot(hubstatedb.Snapshot{StateID: stateID, BlockNumber: height, Blob: blob}); err != nil {
		return false, err
	}

	h.mu.Lock()
	if generation > h.savedGeneration {
		h.savedGeneration = generation
	}
	h.mu.Unlock()
	h.log.Debug().Uint64("state_id", stateID).Uint64("height", height).Msg("snapshot saved")
	return true, nil
}

// LoadState restores the newest sealed snapshot from store. It returns a nil
// state and no error when the store holds no snapshot yet.
func LoadState(store Store, passphrase string, params ledger.Params) (*ledger.State, error) {
	snap, err := store.LatestSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if snap == nil {
		return nil, nil
	}
	data, err := seal.Unseal(snap.Blob, passphrase)
	if err != nil {
		return nil, err
	}
	state, err := ledger.Load(data, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnsealFailed, err)
	}
	if state.StateID() != snap.StateID {
		return nil, fmt.Errorf("%w: snapshot state id %d does not match record %d",
			ledger.ErrUnsealFailed, state.StateID(), snap.StateID)
	}
	return state, nil
}
