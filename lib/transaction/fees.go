package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FeeSource reports the current average fee rate in satoshis per byte.
type FeeSource interface {
	FeePerByte(ctx context.Context) (uint64, error)
}

// StaticFee always reports the same rate.
type StaticFee uint64

func (f StaticFee) FeePerByte(context.Context) (uint64, error) {
	return uint64(f), nil
}

// MempoolFees reads the recommended half-hour rate from a mempool.space style API.
type MempoolFees struct {
	URL    string
	Client *http.Client
}

func NewMempoolFees(url string) *MempoolFees {
	return &MempoolFees{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (m *MempoolFees) FeePerByte(ctx context.Context) (uint64, error) {
	feeRec, err := m.getFeeRecommendation(ctx)
	if err != nil {
		return 0, err
	}
	if feeRec.HalfHourFee <= 0 {
		return 0, fmt.Errorf("fee API returned rate %d", feeRec.HalfHourFee)
	}
	return uint64(feeRec.HalfHourFee), nil
}

func (m *MempoolFees) getFeeRecommendation(ctx context.Context) (FeeRecommendation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return FeeRecommendation{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return FeeRecommendation{}, fmt.Errorf("failed to get fee recommendation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FeeRecommendation{}, fmt.Errorf("fee API returned status code %d", resp.StatusCode)
	}

	var feeRec FeeRecommendation
	if err := json.NewDecoder(resp.Body).Decode(&feeRec); err != nil {
		return FeeRecommendation{}, fmt.Errorf("failed to decode fee recommendation: %w", err)
	}
	return feeRec, nil
}
