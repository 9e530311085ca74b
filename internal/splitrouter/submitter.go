package splitrouter

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/deluthium/liquidity-bridge/internal/signer"
)

// RelaySubmitter signs settlement payloads and broadcasts them through a
// transaction relay endpoint.
type RelaySubmitter struct {
	endpoint string
	signer   signer.Signer
	client   *http.Client
}

// NewRelaySubmitter builds a submitter against the given relay.
func NewRelaySubmitter(endpoint string, s signer.Signer, timeout time.Duration) (*RelaySubmitter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("relay endpoint is required")
	}
	if s == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RelaySubmitter{
		endpoint: endpoint,
		signer:   s,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Submit implements TxSubmitter.
func (r *RelaySubmitter) Submit(ctx context.Context, routerAddr, calldata string) (string, error) {
	payload := []byte(routerAddr + ":" + calldata)
	sig, err := r.signer.SignMessage(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("settlement signing failed: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"from":      r.signer.Address(),
		"to":        routerAddr,
		"data":      calldata,
		"signature": hex.EncodeToString(sig),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/tx", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay submit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("relay rejected tx (status %d)", resp.StatusCode)
	}

	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("relay response malformed: %w", err)
	}
	return out.TxHash, nil
}
