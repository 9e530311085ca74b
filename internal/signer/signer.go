// Package signer abstracts the settlement signing capability. Cryptographic
// primitives and transaction submission live outside the bridge; the
// variants here only carry key material or delegate to a remote KMS.
package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Signer is the capability the settlement paths depend on.
type Signer interface {
	// Address returns the signing address in its chain-native encoding.
	Address() string
	// SignMessage signs an opaque message digest.
	SignMessage(ctx context.Context, digest []byte) ([]byte, error)
	// SignTypedData signs structured typed data already serialised by the
	// caller's encoder.
	SignTypedData(ctx context.Context, typedData []byte) ([]byte, error)
}

// SignFunc performs the raw signature over a digest. The concrete curve and
// scheme are supplied by the embedding process.
type SignFunc func(digest []byte) ([]byte, error)

// Local signs with an in-memory key via an injected primitive.
type Local struct {
	address string
	sign    SignFunc
}

// NewLocal builds an in-memory signer.
func NewLocal(address string, sign SignFunc) (*Local, error) {
	if address == "" {
		return nil, fmt.Errorf("signer address is required")
	}
	if sign == nil {
		return nil, fmt.Errorf("signing primitive is required")
	}
	return &Local{address: address, sign: sign}, nil
}

func (l *Local) Address() string { return l.address }

func (l *Local) SignMessage(_ context.Context, digest []byte) ([]byte, error) {
	return l.sign(digest)
}

func (l *Local) SignTypedData(_ context.Context, typedData []byte) ([]byte, error) {
	return l.sign(typedData)
}

// KMS signs through a remote key-management service over HTTP.
type KMS struct {
	address  string
	endpoint string
	keyID    string
	http     *http.Client
}

// NewKMS builds a remote signer against the given KMS endpoint.
func NewKMS(address, endpoint, keyID string, timeout time.Duration) (*KMS, error) {
	if address == "" || endpoint == "" || keyID == "" {
		return nil, fmt.Errorf("kms signer requires address, endpoint, and key id")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KMS{
		address:  address,
		endpoint: endpoint,
		keyID:    keyID,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

func (k *KMS) Address() string { return k.address }

func (k *KMS) SignMessage(ctx context.Context, digest []byte) ([]byte, error) {
	return k.remoteSign(ctx, "message", digest)
}

func (k *KMS) SignTypedData(ctx context.Context, typedData []byte) ([]byte, error) {
	return k.remoteSign(ctx, "typed-data", typedData)
}

func (k *KMS) remoteSign(ctx context.Context, mode string, payload []byte) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"key_id":  k.keyID,
		"mode":    mode,
		"payload": hex.EncodeToString(payload),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint+"/v1/sign", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kms sign request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kms sign rejected (status %d): %s", resp.StatusCode, raw)
	}

	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("kms sign response malformed: %w", err)
	}
	return hex.DecodeString(out.Signature)
}
