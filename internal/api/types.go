package api

import (
	"context"
	"net/http"

	hubstatedb "github.com/Maphikza/btc-payment-hub.git/internal/database"
	"github.com/Maphikza/btc-payment-hub.git/internal/hub"
	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
)

// Hub is the part of the payment hub served over HTTP.
type Hub interface {
	HandleEnvelope(session string, envelope []byte) ([]byte, error)
	Report() ledger.Report
	Audit() error
	BuildSettlement(ctx context.Context) (*hub.Settlement, error)
}

// Store keeps login challenges and the audit trail.
type Store interface {
	SaveChallenge(challenge hubstatedb.Challenge) error
	GetChallenge(hash string) (*hubstatedb.Challenge, error)
	MarkChallengeAsUsed(hash string) error
	RecentAuditEvents(limit int) ([]hubstatedb.AuditEvent, error)
}

type Config struct {
	Hub   Hub
	Store Store
	// OwnerPubKey is the hex x-only key allowed to log in.
	OwnerPubKey   string
	JWTKey        []byte
	AllowedOrigin string
	Metrics       http.Handler
}

type API struct {
	hub           Hub
	store         Store
	ownerPubKey   string
	jwtKey        []byte
	allowedOrigin string
	metrics       http.Handler
}

type SettlementResponse struct {
	TxHash   string `json:"tx_hash"`
	TxID     string `json:"txid,omitempty"`
	Raw      string `json:"raw"`
	Requests int    `json:"requests"`
	Inputs   int    `json:"inputs"`
	TxFee    uint64 `json:"tx_fee"`
}

type AuditResponse struct {
	OK     bool                    `json:"ok"`
	Error  string                  `json:"error,omitempty"`
	Events []hubstatedb.AuditEvent `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type contextKey string

const requestIDKey contextKey = "requestID"
