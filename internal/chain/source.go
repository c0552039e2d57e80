package chain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightninglabs/neutrino"

	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

// BlockSource serves blocks by height from some view of the chain.
type BlockSource interface {
	BestHeight(ctx context.Context) (uint64, error)
	BlockAt(ctx context.Context, height uint64) ([]*wire.MsgTx, error)
	Stop() error
}

type NeutrinoConfig struct {
	DataDir     string
	ChainParams *chaincfg.Params
	AddPeers    []string
}

// NeutrinoSource follows the chain as a compact-filter light client.
type NeutrinoSource struct {
	cs *neutrino.ChainService
	db walletdb.DB
}

func NewNeutrinoSource(cfg NeutrinoConfig) (*NeutrinoSource, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create neutrino directory: %w", err)
	}
	db, err := walletdb.Create("bdb", filepath.Join(cfg.DataDir, "neutrino.db"), true, time.Second*60)
	if err != nil {
		return nil, fmt.Errorf("error creating Neutrino database: %w", err)
	}

	addPeers := cfg.AddPeers
	if len(addPeers) == 0 {
		addPeers = []string{
			"seed.bitcoin.sipa.be:8333",
			"dnsseed.bluematt.me:8333",
		}
		logger.Info("Using default AddPeers as none were configured")
	}

	cs, err := neutrino.NewChainService(neutrino.Config{
		DataDir:         cfg.DataDir,
		Database:        db,
		ChainParams:     *cfg.ChainParams,
		AddPeers:        addPeers,
		PersistToDisk:   true,
		FilterCacheSize: neutrino.DefaultFilterCacheSize,
		BlockCacheSize:  neutrino.DefaultBlockCacheSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating chain service: %w", err)
	}
	if err := cs.Start(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error starting chain service: %w", err)
	}
	return &NeutrinoSource{cs: cs, db: db}, nil
}

func (n *NeutrinoSource) BestHeight(ctx context.Context) (uint64, error) {
	best, err := n.cs.BestBlock()
	if err != nil {
		return 0, fmt.Errorf("failed to get best block: %w", err)
	}
	if !n.cs.IsCurrent() {
		logger.Debug("chain service still syncing", "height", best.Height, "peers", len(n.cs.Peers()))
	}
	return uint64(best.Height), nil
}

func (n *NeutrinoSource) BlockAt(ctx context.Context, height uint64) ([]*wire.MsgTx, error) {
	hash, err := n.cs.GetBlockHash(int64(height))
	if err != nil {
		return nil, fmt.Errorf("failed to get block hash at %d: %w", height, err)
	}
	block, err := n.cs.GetBlock(*hash, neutrino.NumRetries(3))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s: %w", hash, err)
	}
	return block.MsgBlock().Transactions, nil
}

func (n *NeutrinoSource) Stop() error {
	err := n.cs.Stop()
	if cerr := n.db.Close(); err == nil {
		err = cerr
	}
	return err
}

type RPCConfig struct {
	Host string
	User string
	Pass string
	TLS  bool
}

// RPCSource reads blocks from a full node over JSON-RPC.
type RPCSource struct {
	client *rpcclient.Client
}

func NewRPCSource(cfg RPCConfig) (*RPCSource, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   !cfg.TLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}
	return &RPCSource{client: client}, nil
}

func (r *RPCSource) BestHeight(ctx context.Context) (uint64, error) {
	count, err := r.client.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("failed to get block count: %w", err)
	}
	return uint64(count), nil
}

func (r *RPCSource) BlockAt(ctx context.Context, height uint64) ([]*wire.MsgTx, error) {
	hash, err := r.client.GetBlockHash(int64(height))
	if err != nil {
		return nil, fmt.Errorf("failed to get block hash at %d: %w", height, err)
	}
	block, err := r.client.GetBlock(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %s: %w", hash, err)
	}
	return block.Transactions, nil
}

// FeePerByte asks the node for a conservative six block estimate.
func (r *RPCSource) FeePerByte(ctx context.Context) (uint64, error) {
	mode := btcjson.EstimateModeConservative
	res, err := r.client.EstimateSmartFee(6, &mode)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate fee: %w", err)
	}
	if res.FeeRate == nil {
		return 0, fmt.Errorf("node returned no fee estimate: %v", res.Errors)
	}
	return btcPerKBToSatPerByte(*res.FeeRate), nil
}

func btcPerKBToSatPerByte(rate float64) uint64 {
	sat := uint64(rate*1e8/1000 + 0.5)
	if sat == 0 {
		return 1
	}
	return sat
}

func (r *RPCSource) Stop() error {
	r.client.Shutdown()
	return nil
}
