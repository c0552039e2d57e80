package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Maphikza/btc-payment-hub.git/internal/hub"
	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

const (
	maxEnvelopeSize = 64 << 10
	auditEventLimit = 100
)

// HandleCommand passes a raw envelope through the hub. The reply is always an
// envelope; HTTP errors are only used when the request itself is malformed.
func (a *API) HandleCommand(w http.ResponseWriter, r *http.Request) {
	session := r.Header.Get("X-Session-ID")
	if session == "" {
		writeError(w, http.StatusBadRequest, "X-Session-ID header is required")
		return
	}
	if session == ledger.HostSession {
		writeError(w, http.StatusForbidden, "host session is not available over HTTP")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxEnvelopeSize {
		writeError(w, http.StatusRequestEntityTooLarge, "envelope too large")
		return
	}

	reply, err := a.hub.HandleEnvelope(session, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, ledger.Status(ledger.CodeOf(err)))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

func (a *API) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.hub.Report())
}

func (a *API) HandleAudit(w http.ResponseWriter, r *http.Request) {
	resp := AuditResponse{OK: true}
	if err := a.hub.Audit(); err != nil {
		resp.OK = false
		resp.Error = err.Error()
	}
	if a.store != nil {
		events, err := a.store.RecentAuditEvents(auditEventLimit)
		if err != nil {
			logger.Error("failed to load audit events", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to load audit events")
			return
		}
		resp.Events = events
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) HandleSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := a.hub.BuildSettlement(r.Context())
	switch {
	case errors.Is(err, ledger.ErrNoBatchReady):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, hub.ErrNoBuilder):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		logger.Error("settlement failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SettlementResponse{
		TxHash:   s.Signed.Hash.String(),
		TxID:     s.TxID,
		Raw:      hex.EncodeToString(s.Signed.Raw),
		Requests: s.Requests,
		Inputs:   s.Inputs,
		TxFee:    s.TxFee,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
