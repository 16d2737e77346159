package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string) *MempoolBackend {
	// Remove trailing slash
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &MempoolBackend{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// URL returns the API base URL.
func (m *MempoolBackend) URL() string {
	return m.baseURL
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close closes the connection.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetTransaction returns a transaction by ID.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		if err == ErrNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	tx := result.convert()

	// mempool.space returns block_height but not confirmations
	if tx.Confirmed && tx.BlockHeight > 0 {
		currentHeight, err := m.GetBlockHeight(ctx)
		if err == nil && currentHeight >= tx.BlockHeight {
			tx.Confirmations = currentHeight - tx.BlockHeight + 1
		}
	}

	return tx, nil
}

// GetRawTransaction returns raw transaction hex.
func (m *MempoolBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	body, err := m.getText(ctx, "/tx/"+txID+"/hex")
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	return bytes.TrimSpace(body), nil
}

// GetOutspend returns the spending status of an output.
func (m *MempoolBackend) GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error) {
	var result struct {
		Spent  bool   `json:"spent"`
		TxID   string `json:"txid"`
		Vin    uint32 `json:"vin"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
	}

	path := "/tx/" + txID + "/outspend/" + strconv.FormatUint(uint64(vout), 10)
	if err := m.get(ctx, path, &result); err != nil {
		if err == ErrNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	return &Outspend{
		Spent:       result.Spent,
		TxID:        result.TxID,
		Vin:         result.Vin,
		Confirmed:   result.Status.Confirmed,
		BlockHeight: result.Status.BlockHeight,
	}, nil
}

// FindSpend returns the transaction spending txid:vout, or nil if the
// output is unspent or was spent in a block more than lookbackBlocks below
// the tip. A zero lookback disables the depth check.
func (m *MempoolBackend) FindSpend(ctx context.Context, txID string, vout uint32, lookbackBlocks uint32) (*SpendInfo, error) {
	out, err := m.GetOutspend(ctx, txID, vout)
	if err != nil {
		return nil, err
	}
	if !out.Spent || out.TxID == "" {
		return nil, nil
	}

	if out.Confirmed && out.BlockHeight > 0 && lookbackBlocks > 0 {
		tip, err := m.GetBlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		if tip-out.BlockHeight > int64(lookbackBlocks) {
			return nil, nil
		}
	}

	raw, err := m.GetRawTransaction(ctx, out.TxID)
	if err != nil {
		return nil, err
	}
	tx, err := decodeTx(raw)
	if err != nil {
		return nil, err
	}

	return &SpendInfo{
		TxID:        out.TxID,
		Tx:          tx,
		Confirmed:   out.Confirmed,
		BlockHeight: out.BlockHeight,
	}, nil
}

// BroadcastTransaction broadcasts a raw transaction.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}

	// Response is the txid
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := m.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	var height int64
	if err := json.Unmarshal(bytes.TrimSpace(body), &height); err != nil {
		return 0, fmt.Errorf("invalid block height %q: %w", body, err)
	}

	return height, nil
}

// get performs a GET request and decodes JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	resp, err := m.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(result)
}

// getText performs a GET request and returns the body.
func (m *MempoolBackend) getText(ctx context.Context, path string) ([]byte, error) {
	resp, err := m.do(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (m *MempoolBackend) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

func decodeTx(rawHex []byte) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(string(rawHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return tx, nil
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID     string   `json:"txid"`
		Vout     uint32   `json:"vout"`
		Witness  []string `json:"witness"`
		Sequence uint32   `json:"sequence"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyType string `json:"scriptpubkey_type"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

func (mt *mempoolTx) convert() *Transaction {
	tx := &Transaction{
		TxID:        mt.TxID,
		Version:     mt.Version,
		Size:        mt.Size,
		Weight:      mt.Weight,
		VSize:       (mt.Weight + 3) / 4,
		LockTime:    mt.LockTime,
		Fee:         mt.Fee,
		Confirmed:   mt.Status.Confirmed,
		BlockHash:   mt.Status.BlockHash,
		BlockHeight: mt.Status.BlockHeight,
		BlockTime:   mt.Status.BlockTime,
		Inputs:      make([]TxInput, len(mt.Vin)),
		Outputs:     make([]TxOutput, len(mt.Vout)),
	}

	for j, vin := range mt.Vin {
		tx.Inputs[j] = TxInput{
			TxID:     vin.TxID,
			Vout:     vin.Vout,
			Witness:  vin.Witness,
			Sequence: vin.Sequence,
		}
	}
	for j, vout := range mt.Vout {
		tx.Outputs[j] = TxOutput{
			ScriptPubKey:     vout.ScriptPubKey,
			ScriptPubKeyType: vout.ScriptPubKeyType,
			ScriptPubKeyAddr: vout.ScriptPubKeyAddr,
			Value:            vout.Value,
		}
	}
	return tx
}

// Ensure MempoolBackend implements Backend
var _ Backend = (*MempoolBackend)(nil)
