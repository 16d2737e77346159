// Package backend talks to block explorer REST APIs to broadcast channel
// transactions and to find the transactions spending funding outputs.
// It never sees private keys; all signing happens in the channel package.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingon-channels/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrNotFound           = errors.New("not found")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrInvalidTx          = errors.New("invalid transaction")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// Transaction is a transaction as reported by the explorer.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string   `json:"txid"`
	Vout     uint32   `json:"vout"`
	Witness  []string `json:"witness,omitempty"`
	Sequence uint32   `json:"sequence"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// Outspend is the spending status of a single output.
type Outspend struct {
	Spent       bool   `json:"spent"`
	TxID        string `json:"txid,omitempty"`
	Vin         uint32 `json:"vin,omitempty"`
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// SpendInfo is a decoded transaction spending a watched output.
type SpendInfo struct {
	TxID        string
	Tx          *wire.MsgTx
	Confirmed   bool
	BlockHeight int64
}

// Broadcaster submits signed transactions.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
}

// ChainScanner finds the transaction spending an output.
type ChainScanner interface {
	FindSpend(ctx context.Context, txid string, vout uint32, lookbackBlocks uint32) (*SpendInfo, error)
}

// Backend defines the interface for blockchain data providers.
type Backend interface {
	Broadcaster
	ChainScanner

	// Type returns the backend type (mempool, esplora)
	Type() Type

	// Connect checks that the API is reachable.
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error)
	GetBlockHeight(ctx context.Context) (int64, error)
}

// Config contains backend configuration.
type Config struct {
	Type Type `yaml:"type"`

	// URL overrides the network's default endpoint.
	URL string `yaml:"url,omitempty"`

	// Timeout in seconds, default 30.
	Timeout int `yaml:"timeout,omitempty"`
}

// DefaultConfig returns the mempool.space backend with the network's
// default URL.
func DefaultConfig() *Config {
	return &Config{Type: TypeMempool, Timeout: 30}
}

// New creates the backend described by cfg for the given network.
func New(cfg *Config, network chain.Network) (Backend, error) {
	params, ok := chain.Get(network)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	switch cfg.Type {
	case TypeMempool, "":
		url := cfg.URL
		if url == "" {
			url = params.MempoolURL
		}
		b := NewMempoolBackend(url)
		b.httpClient.Timeout = timeout
		return b, nil
	case TypeEsplora:
		url := cfg.URL
		if url == "" {
			url = params.EsploraURL
		}
		b := NewEsploraBackend(url)
		b.httpClient.Timeout = timeout
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}
