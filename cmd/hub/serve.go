package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Maphikza/btc-payment-hub.git/internal/api"
	"github.com/Maphikza/btc-payment-hub.git/internal/chain"
	"github.com/Maphikza/btc-payment-hub.git/internal/config"
	hubstatedb "github.com/Maphikza/btc-payment-hub.git/internal/database"
	"github.com/Maphikza/btc-payment-hub.git/internal/gateway"
	"github.com/Maphikza/btc-payment-hub.git/internal/hub"
	"github.com/Maphikza/btc-payment-hub.git/internal/ipc"
	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
	"github.com/Maphikza/btc-payment-hub.git/internal/metrics"
	"github.com/Maphikza/btc-payment-hub.git/lib/transaction"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub: command socket, HTTP API and chain follower",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := serve(ctx); err != nil {
			logger.Error("hub stopped with error", "err", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func serve(ctx context.Context) error {
	params, err := config.HubParams()
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase()
	if err != nil {
		return err
	}

	store, err := hubstatedb.InitSQLiteDB(viper.GetString("db_path"))
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := openState(store, passphrase, params)
	if err != nil {
		return err
	}

	sessionKey, err := config.SessionKey()
	if err != nil {
		return err
	}
	keys, err := gateway.NewKeys(sessionKey)
	if err != nil {
		return err
	}
	if err := loadSessionKeys(keys); err != nil {
		return err
	}
	if sessionKey == nil && len(viper.GetStringMapString("session_keys")) == 0 {
		logger.Warn("no session keys configured; every envelope will fail to decrypt")
	}

	source, err := openBlockSource(params)
	if err != nil {
		return err
	}
	if source != nil {
		defer source.Stop()
	}

	broadcaster, err := openBroadcaster()
	if err != nil {
		return err
	}

	m := metrics.New()
	h, err := hub.New(hub.Config{
		State:   state,
		Gateway: gateway.New(keys),
		Fees:    feeSource(source, state),
		Builder: hub.TxBuilder{Builder: &transaction.Builder{
			ChainParams: params.ChainParams,
			DustLimit:   viper.GetUint64("dust_limit"),
		}},
		Broadcaster: broadcaster,
		Store:       store,
		Metrics:     m,
		Passphrase:  passphrase,
	})
	if err != nil {
		return err
	}
	logger.Info("hub ready", "owner_address", h.OwnerAddress(), "block", h.BlockNumber(), "network", params.ChainParams.Name)

	socket, err := ipc.NewServer(viper.GetString("socket_path"))
	if err != nil {
		return err
	}
	defer socket.Close()

	httpAPI, err := newHTTPAPI(h, store, m)
	if err != nil {
		return err
	}

	saveSnapshot := func() {
		saved, err := h.SaveSnapshot()
		if err != nil {
			logger.Error("failed to save snapshot", "err", err)
			return
		}
		if saved {
			if err := store.PruneSnapshots(viper.GetInt("snapshot_keep")); err != nil {
				logger.Error("failed to prune snapshots", "err", err)
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		ipc.Serve(ctx, socket, h)
	}()
	go func() {
		defer wg.Done()
		if err := httpAPI.ListenAndServe(ctx, viper.GetInt("api_port")); err != nil {
			logger.Error("HTTP API stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		housekeeping(ctx, store, saveSnapshot)
	}()

	if source != nil {
		follower := &chain.Follower{
			Source:    source,
			Ingester:  h,
			Cursor:    store,
			Interval:  config.Duration("poll_interval", 30*time.Second),
			AfterSync: saveSnapshot,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			follower.Run(ctx)
		}()
	} else {
		logger.Warn("no chain backend configured; deposits and confirmations will not be observed")
	}

	<-ctx.Done()
	logger.Info("shutting down")
	socket.Close()
	wg.Wait()
	saveSnapshot()
	return nil
}

// openState restores the newest sealed snapshot or starts a fresh ledger.
func openState(store *hubstatedb.Store, passphrase string, params ledger.Params) (*ledger.State, error) {
	state, err := hub.LoadState(store, passphrase, params)
	if err != nil {
		return nil, err
	}
	if state != nil {
		logger.Info("restored ledger snapshot", "state_id", state.StateID(), "block", state.BlockNumber())
		return state, nil
	}

	state = ledger.New(params)
	if _, err := installOwnerKey(state, viper.GetString("owner_key_file"), passphrase); err != nil {
		return nil, err
	}
	state.SetRoutingFee(viper.GetUint64("routing_fee"))
	state.SetAvgTxFeePerByte(viper.GetUint64("avg_tx_fee_per_byte"))
	logger.Info("started a fresh ledger")
	return state, nil
}

// loadSessionKeys installs the per-session keys from the session_keys map.
func loadSessionKeys(keys *gateway.Keys) error {
	for session, encoded := range viper.GetStringMapString("session_keys") {
		key, err := hex.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("failed to decode key for session %s: %w", session, err)
		}
		if err := keys.Set(session, key); err != nil {
			return fmt.Errorf("invalid key for session %s: %w", session, err)
		}
	}
	return nil
}

func openBlockSource(params ledger.Params) (chain.BlockSource, error) {
	switch backend := viper.GetString("chain_backend"); backend {
	case "neutrino":
		return chain.NewNeutrinoSource(chain.NeutrinoConfig{
			DataDir:     viper.GetString("neutrino_dir"),
			ChainParams: params.ChainParams,
			AddPeers:    viper.GetStringSlice("add_peers"),
		})
	case "rpc":
		return chain.NewRPCSource(chain.RPCConfig{
			Host: viper.GetString("rpc_server"),
			User: viper.GetString("rpc_user"),
			Pass: viper.GetString("rpc_password"),
		})
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown chain_backend %q", backend)
	}
}

func feeSource(source chain.BlockSource, state *ledger.State) transaction.FeeSource {
	switch viper.GetString("fee_source") {
	case "mempool":
		return transaction.NewMempoolFees(viper.GetString("fee_api_url"))
	case "rpc":
		if rpc, ok := source.(*chain.RPCSource); ok {
			return rpc
		}
		logger.Warn("fee_source rpc needs chain_backend rpc; using a static fee")
	}
	return transaction.StaticFee(state.AvgTxFeePerByte())
}

func openBroadcaster() (transaction.Broadcaster, error) {
	var multi transaction.MultiBroadcaster
	if server := viper.GetString("electrum_server"); server != "" {
		client, err := transaction.CreateElectrumClient(transaction.ElectrumConfig{
			ServerAddr: server,
			UseSSL:     viper.GetBool("electrum_ssl"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to electrum server: %w", err)
		}
		multi = append(multi, &transaction.ElectrumBroadcaster{Client: client})
	}
	if url := viper.GetString("broadcast_api_url"); url != "" {
		multi = append(multi, transaction.NewAPIBroadcaster(url))
	}
	if len(multi) == 0 {
		logger.Warn("no broadcaster configured; settlements must be published manually")
		return nil, nil
	}
	return multi, nil
}

func newHTTPAPI(h *hub.Hub, store *hubstatedb.Store, m *metrics.Metrics) (*api.API, error) {
	jwtKey, err := api.LoadOrCreateJWTKey(viper.GetString("jwt_secret_file"))
	if err != nil {
		return nil, err
	}
	var owner string
	if npub := viper.GetString("owner_npub"); npub != "" {
		if owner, err = api.OwnerPubKey(npub); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("owner_npub not set; admin routes are unavailable")
	}
	return api.NewAPI(api.Config{
		Hub:           h,
		Store:         store,
		OwnerPubKey:   owner,
		JWTKey:        jwtKey,
		AllowedOrigin: viper.GetString("allowed_origin"),
		Metrics:       m.Handler(),
	}), nil
}

// housekeeping snapshots the ledger and expires stale login challenges.
func housekeeping(ctx context.Context, store *hubstatedb.Store, saveSnapshot func()) {
	ticker := time.NewTicker(config.Duration("snapshot_interval", time.Minute))
	defer ticker.Stop()
	maxAge := config.Duration("challenge_max_age", 10*time.Minute)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveSnapshot()
			if err := store.ExpireOldChallenges(maxAge); err != nil {
				logger.Error("failed to expire challenges", "err", err)
			}
		}
	}
}
