package hub

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Maphikza/btc-payment-hub.git/internal/command"
	hubstatedb "github.com/Maphikza/btc-payment-hub.git/internal/database"
	"github.com/Maphikza/btc-payment-hub.git/internal/gateway"
	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
	"github.com/Maphikza/btc-payment-hub.git/internal/metrics"
	"github.com/Maphikza/btc-payment-hub.git/lib/transaction"
)

// Store is the persistence the hub writes snapshots and audit events to.
type Store interface {
	SaveSnapshot(snap hubstatedb.Snapshot) error
	LatestSnapshot() (*hubstatedb.Snapshot, error)
	RecordAuditEvent(ev hubstatedb.AuditEvent) error
}

type Config struct {
	State   *ledger.State
	Gateway *gateway.Gateway
	Fees    transaction.FeeSource
	Builder SettleTxBuilder
	// Broadcaster is optional. Without it built batches wait for an external publisher.
	Broadcaster transaction.Broadcaster
	Store       Store
	Metrics     *metrics.Metrics
	Passphrase  string
}

// Hub serializes every ledger mutation behind one mutex. Commands, block
// ingestion and settlement building all take it.
type Hub struct {
	mu    sync.Mutex
	state *ledger.State

	gateway     *gateway.Gateway
	fees        transaction.FeeSource
	builder     SettleTxBuilder
	broadcaster transaction.Broadcaster
	store       Store
	metrics     *metrics.Metrics
	passphrase  string
	log         zerolog.Logger

	// generation counts every call that may have changed the ledger, including
	// setters that leave the state id alone. SaveSnapshot skips a save only when
	// nothing ran since the last one.
	generation      uint64
	savedGeneration uint64
	// saveMu keeps snapshot rows in generation order.
	saveMu sync.Mutex
}

func New(cfg Config) (*Hub, error) {
	if cfg.State == nil || cfg.Gateway == nil {
		return nil, fmt.Errorf("hub needs a ledger state and a gateway")
	}
	fees := cfg.Fees
	if fees == nil {
		fees = transaction.StaticFee(cfg.State.AvgTxFeePerByte())
	}
	return &Hub{
		state:       cfg.State,
		gateway:     cfg.Gateway,
		fees:        fees,
		builder:     cfg.Builder,
		broadcaster: cfg.Broadcaster,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		passphrase:  cfg.Passphrase,
		log:         logger.With("hub"),
		generation:  1,
	}, nil
}

// HandleEnvelope runs one encrypted command for session and returns the
// encrypted reply. Decryption failures still produce an encrypted reply; only a
// failure to encrypt the reply is returned as an error.
func (h *Hub) HandleEnvelope(session string, envelope []byte) ([]byte, error) {
	h.mu.Lock()
	reply, op, err := h.openAndRun(session, envelope)
	if op != "" {
		h.generation++
	}
	stateID := h.state.StateID()
	h.publishLocked()
	h.mu.Unlock()

	h.record(session, op, err, stateID)
	out, sealErr := h.gateway.Seal(session, []byte(reply))
	if sealErr != nil {
		h.log.Error().Err(sealErr).Str("session", session).Msg("failed to seal reply")
		return nil, sealErr
	}
	return out, nil
}

// HostCommand runs a plaintext owner command over the host session.
func (h *Hub) HostCommand(body string) (string, error) {
	h.mu.Lock()
	reply, op, err := h.run(ledger.HostSession, []byte(body), nil)
	if op != "" {
		h.generation++
	}
	stateID := h.state.StateID()
	h.publishLocked()
	h.mu.Unlock()

	h.record(ledger.HostSession, op, err, stateID)
	return reply, err
}

func (h *Hub) openAndRun(session string, envelope []byte) (string, command.Op, error) {
	plain, err := h.gateway.Open(session, envelope)
	if err != nil {
		return ledger.Status(ledger.CodeDecryptionFailed), "", err
	}
	body, trailer, err := gateway.SplitPayload(plain)
	if err != nil {
		if session != ledger.HostSession {
			return ledger.Status(ledger.CodeOf(err)), "", err
		}
		body, trailer = plain, nil
	}
	return h.run(session, body, trailer)
}

// run parses, authenticates and applies one command. The caller holds h.mu.
func (h *Hub) run(session string, body, trailer []byte) (string, command.Op, error) {
	cmd, err := command.Parse(string(body), h.state.Params().ChainParams)
	if err != nil {
		return ledger.Status(ledger.CodeOf(err)), "", err
	}

	if cmd.Unsigned() {
		mgr, height, err := h.state.PrepareDeposit(session, trailer, cmd.Sender, cmd.SettleAddress)
		if err != nil {
			return ledger.Status(ledger.CodeOf(err)), cmd.Op, err
		}
		return fmt.Sprintf("%s %d", mgr, height), cmd.Op, nil
	}

	if session != ledger.HostSession {
		if cmd.OwnerOnly() {
			return ledger.Status(ledger.CodeAuthenticationFailed), cmd.Op, ledger.ErrAuthenticationFailed
		}
		key, ok := h.state.VerifyKey(session)
		if !ok {
			return ledger.Status(ledger.CodeAuthenticationFailed), cmd.Op, ledger.ErrAuthenticationFailed
		}
		if err := gateway.Verify(key, body, trailer); err != nil {
			return ledger.Status(ledger.CodeOf(err)), cmd.Op, err
		}
	}

	err = h.dispatch(cmd)
	return ledger.Status(ledger.CodeOf(err)), cmd.Op, err
}

func (h *Hub) dispatch(cmd command.Command) error {
	switch cmd.Op {
	case command.OpSettle:
		return h.state.RequestSettlement(cmd.User, cmd.Amount)
	case command.OpPay:
		return h.state.Pay(cmd.Sender, cmd.Receiver, cmd.Amount, cmd.Fee)
	case command.OpUpdateBlock:
		return h.state.UpdateLatestBlock(cmd.User, cmd.Height)
	case command.OpSetFee:
		h.state.SetRoutingFee(cmd.Amount)
		return nil
	case command.OpSetFeeAddress:
		h.state.SetFeeAddress(cmd.FeeAddress)
		return nil
	case command.OpSettleFee:
		return h.state.SettleRoutingFee(cmd.Amount)
	default:
		return ledger.ErrInvalidOperation
	}
}

func (h *Hub) record(session string, op command.Op, err error, stateID uint64) {
	code := ledger.CodeOf(err)
	h.metrics.Command(string(op), uint32(code))
	if err != nil {
		h.log.Debug().Str("session", session).Str("op", string(op)).Uint32("code", uint32(code)).Msg("command rejected")
	}
	if h.store == nil || op == "" {
		return
	}
	ev := hubstatedb.AuditEvent{Session: session, Op: string(op), Code: uint32(code), StateID: stateID}
	if err := h.store.RecordAuditEvent(ev); err != nil {
		h.log.Warn().Err(err).Msg("failed to record audit event")
	}
}

// publishLocked pushes ledger gauges. The caller holds h.mu.
func (h *Hub) publishLocked() {
	if h.metrics == nil {
		return
	}
	s := h.state
	h.metrics.Ledger(map[string]uint64{
		"state_id":                   s.StateID(),
		"total_balances":             s.TotalBalances(),
		"routing_fee_waiting":        s.RoutingFeeWaiting(),
		"routing_fee_confirmed":      s.RoutingFeeConfirmed(),
		"routing_fee_settled":        s.RoutingFeeSettled(),
		"balances_for_settle_tx_fee": s.BalancesForSettleTxFee(),
	})
	h.metrics.BlockHeight(s.BlockNumber())
}

// Report returns a read-only view of the ledger.
func (h *Hub) Report() ledger.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Report()
}

func (h *Hub) Audit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Audit()
}

func (h *Hub) OwnerAddress() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.OwnerAddress()
}

func (h *Hub) BlockNumber() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.BlockNumber()
}
