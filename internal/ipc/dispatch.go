package ipc

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Maphikza/btc-payment-hub.git/internal/hub"
	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

const (
	CmdEnvelope        = "envelope"
	CmdHost            = "host"
	CmdState           = "state"
	CmdAudit           = "audit"
	CmdBuildSettlement = "build-settlement"
	CmdOwnerAddress    = "owner-address"
)

// Backend is the part of the hub the socket exposes.
type Backend interface {
	HandleEnvelope(session string, envelope []byte) ([]byte, error)
	HostCommand(body string) (string, error)
	Report() ledger.Report
	Audit() error
	BuildSettlement(ctx context.Context) (*hub.Settlement, error)
	OwnerAddress() string
}

// Serve answers commands from s until ctx is cancelled.
func Serve(ctx context.Context, s *Server, backend Backend) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.Commands():
			s.SendResponse(cmd.ID, Dispatch(ctx, backend, cmd))
		}
	}
}

// Dispatch runs one command against backend.
func Dispatch(ctx context.Context, backend Backend, cmd Command) Response {
	result, err := dispatch(ctx, backend, cmd)
	resp := Response{ID: cmd.ID, Result: result}
	if err != nil {
		resp.Error = err.Error()
		logger.Debug("ipc command failed", "command", cmd.Command, "err", err)
	}
	return resp
}

func dispatch(ctx context.Context, backend Backend, cmd Command) (interface{}, error) {
	switch cmd.Command {
	case CmdEnvelope:
		if len(cmd.Args) != 2 {
			return nil, fmt.Errorf("usage: envelope <session> <base64>")
		}
		envelope, err := base64.StdEncoding.DecodeString(cmd.Args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid envelope encoding: %w", err)
		}
		out, err := backend.HandleEnvelope(cmd.Args[0], envelope)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.EncodeToString(out), nil
	case CmdHost:
		if len(cmd.Args) == 0 {
			return nil, fmt.Errorf("usage: host <command...>")
		}
		status, err := backend.HostCommand(strings.Join(cmd.Args, " "))
		return HostResult{Status: status}, err
	case CmdState:
		return backend.Report(), nil
	case CmdAudit:
		if err := backend.Audit(); err != nil {
			return nil, err
		}
		return "ok", nil
	case CmdBuildSettlement:
		s, err := backend.BuildSettlement(ctx)
		if err != nil {
			return nil, err
		}
		return SettlementResult{
			TxHash:   s.Signed.Hash.String(),
			TxID:     s.TxID,
			Raw:      hex.EncodeToString(s.Signed.Raw),
			Requests: s.Requests,
			Inputs:   s.Inputs,
			TxFee:    s.TxFee,
		}, nil
	case CmdOwnerAddress:
		return backend.OwnerAddress(), nil
	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Command)
	}
}
