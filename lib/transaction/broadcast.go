package transaction

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/checksum0/go-electrum/electrum"

	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

// Broadcaster publishes a raw transaction and returns its id as reported by the network.
type Broadcaster interface {
	Broadcast(ctx context.Context, raw []byte) (string, error)
}

func CreateElectrumClient(config ElectrumConfig) (*electrum.Client, error) {
	ctx := context.Background()
	if config.UseSSL {
		return electrum.NewClientSSL(ctx, config.ServerAddr, nil)
	}
	return electrum.NewClientTCP(ctx, config.ServerAddr)
}

// ElectrumBroadcaster sends transactions through an Electrum server.
type ElectrumBroadcaster struct {
	Client *electrum.Client
}

func (e *ElectrumBroadcaster) Broadcast(ctx context.Context, raw []byte) (string, error) {
	txid, err := e.Client.BroadcastTransaction(ctx, hex.EncodeToString(raw))
	if err != nil {
		return "", fmt.Errorf("electrum broadcast failed: %w", err)
	}
	if seen, err := VerifyTransactionInElectrumMempool(e.Client, txid); err != nil || !seen {
		logger.Warn("broadcast transaction not yet visible to electrum", "txid", txid, "err", err)
	}
	return txid, nil
}

// APIBroadcaster posts the hex transaction to a mempool.space style endpoint.
type APIBroadcaster struct {
	URL    string
	Client *http.Client
}

func NewAPIBroadcaster(url string) *APIBroadcaster {
	return &APIBroadcaster{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (a *APIBroadcaster) Broadcast(ctx context.Context, raw []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewBufferString(hex.EncodeToString(raw)))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned non-200 status code: %d, Body: %s", resp.StatusCode, string(body))
	}

	logger.Info("transaction broadcast", "url", a.URL, "txid", string(body))
	return string(body), nil
}

// MultiBroadcaster tries each broadcaster in order until one succeeds.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(ctx context.Context, raw []byte) (string, error) {
	var lastErr error
	for _, b := range m {
		txid, err := b.Broadcast(ctx, raw)
		if err == nil {
			return txid, nil
		}
		logger.Warn("broadcast attempt failed", "err", err)
		lastErr = err
	}
	if lastErr == nil {
		return "", fmt.Errorf("no broadcasters configured")
	}
	return "", fmt.Errorf("all broadcasts failed: %w", lastErr)
}
