// Package storage - channel records and the payment ledger.
package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel persistence errors
var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrChannelExists    = errors.New("channel already exists")
	ErrDuplicatePayment = errors.New("payment sequence already recorded")
)

// ChannelRecord is a persisted channel as seen by this node.
type ChannelRecord struct {
	ID           string
	LocalPeerID  string
	RemotePeerID string

	LocalPubKey  []byte
	RemotePubKey []byte
	Initiator    bool

	State    string
	Canceled bool

	Capacity       uint64
	LocalBalance   uint64
	RemoteBalance  uint64
	SequenceNumber uint64

	FundingTxID        string
	FundingOutputIndex uint32

	// Unix seconds.
	NLockTime int64

	// RemoteSig covers the commitment at RemoteSigSequence, which pays
	// SignedLocalBalance / SignedRemoteBalance.
	RemoteSig           []byte
	RemoteSigSequence   uint64
	SignedLocalBalance  uint64
	SignedRemoteBalance uint64

	CloseTxID string

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity time.Time
}

// PaymentRecord is one row of the append-only payment ledger.
type PaymentRecord struct {
	ChannelID string
	Sequence  uint64
	Amount    uint64
	Direction string
	Signature []byte
	Timestamp time.Time
}

const channelColumns = `
	id, local_peer_id, remote_peer_id, local_pubkey, remote_pubkey, initiator,
	state, canceled, capacity, local_balance, remote_balance, sequence_number,
	funding_txid, funding_vout, nlocktime, remote_sig, remote_sig_sequence,
	signed_local_balance, signed_remote_balance,
	close_txid, created_at, updated_at, last_activity`

// CreateChannel inserts a new channel. It fails with ErrChannelExists if the
// id is already stored.
func (s *Storage) CreateChannel(ch *ChannelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow("SELECT 1 FROM channels WHERE id = ?", ch.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrChannelExists, ch.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	query := `INSERT INTO channels (` + channelColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.Exec(query,
		ch.ID,
		ch.LocalPeerID,
		ch.RemotePeerID,
		hex.EncodeToString(ch.LocalPubKey),
		hex.EncodeToString(ch.RemotePubKey),
		boolToInt(ch.Initiator),
		ch.State,
		boolToInt(ch.Canceled),
		ch.Capacity,
		ch.LocalBalance,
		ch.RemoteBalance,
		ch.SequenceNumber,
		nullString(ch.FundingTxID),
		ch.FundingOutputIndex,
		ch.NLockTime,
		nullString(hex.EncodeToString(ch.RemoteSig)),
		ch.RemoteSigSequence,
		ch.SignedLocalBalance,
		ch.SignedRemoteBalance,
		nullString(ch.CloseTxID),
		timeToUnixMilliOrZero(ch.CreatedAt),
		timeToUnixMilliOrZero(ch.UpdatedAt),
		timeToUnixMilliOrZero(ch.LastActivity),
	)
	return err
}

// GetChannel retrieves a channel by id.
func (s *Storage) GetChannel(id string) (*ChannelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+channelColumns+" FROM channels WHERE id = ?", id)
	return scanChannelRecord(row)
}

// ListChannels returns every channel, oldest first.
func (s *Storage) ListChannels() ([]*ChannelRecord, error) {
	return s.ListChannelsByState()
}

// ListChannelsByState returns channels in any of the given states, oldest
// first. No states means all channels.
func (s *Storage) ListChannelsByState(states ...string) ([]*ChannelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + channelColumns + " FROM channels"
	args := make([]interface{}, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			placeholders[i] = "?"
			args = append(args, state)
		}
		query += " WHERE state IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*ChannelRecord
	for rows.Next() {
		ch, err := scanChannelRecord(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

// UpdateChannel overwrites the mutable fields of an existing channel.
func (s *Storage) UpdateChannel(ch *ChannelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return updateChannel(s.db, ch)
}

// ApplyPayment stores the channel's new balances and sequence together with
// the ledger row in one transaction. Either both are written or neither is.
func (s *Storage) ApplyPayment(ch *ChannelRecord, payment *PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payment.ChannelID != ch.ID {
		return fmt.Errorf("payment channel %s does not match channel %s", payment.ChannelID, ch.ID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(
		"SELECT 1 FROM payments WHERE channel_id = ? AND sequence = ?",
		payment.ChannelID, payment.Sequence,
	).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: channel %s sequence %d", ErrDuplicatePayment, payment.ChannelID, payment.Sequence)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if err := updateChannel(tx, ch); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO payments (channel_id, sequence, amount, direction, signature, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		payment.ChannelID,
		payment.Sequence,
		payment.Amount,
		payment.Direction,
		nullString(hex.EncodeToString(payment.Signature)),
		timeToUnixMilliOrZero(payment.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	return tx.Commit()
}

// GetPayments returns a channel's ledger in ascending sequence order.
func (s *Storage) GetPayments(channelID string) ([]*PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT channel_id, sequence, amount, direction, signature, timestamp
		FROM payments WHERE channel_id = ?
		ORDER BY sequence ASC`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*PaymentRecord
	for rows.Next() {
		var p PaymentRecord
		var sig sql.NullString
		var ts int64
		if err := rows.Scan(&p.ChannelID, &p.Sequence, &p.Amount, &p.Direction, &sig, &ts); err != nil {
			return nil, err
		}
		if sig.Valid {
			if p.Signature, err = hex.DecodeString(sig.String); err != nil {
				return nil, fmt.Errorf("corrupt payment signature: %w", err)
			}
		}
		p.Timestamp = time.UnixMilli(ts)
		payments = append(payments, &p)
	}

	return payments, rows.Err()
}

// ChannelCount returns the number of channels per state.
func (s *Storage) ChannelCount() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT state, COUNT(*) FROM channels GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Helper functions

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func updateChannel(db execer, ch *ChannelRecord) error {
	res, err := db.Exec(`
		UPDATE channels SET
			state = ?,
			canceled = ?,
			local_balance = ?,
			remote_balance = ?,
			sequence_number = ?,
			funding_txid = ?,
			funding_vout = ?,
			nlocktime = ?,
			remote_sig = ?,
			remote_sig_sequence = ?,
			signed_local_balance = ?,
			signed_remote_balance = ?,
			close_txid = ?,
			updated_at = ?,
			last_activity = ?
		WHERE id = ?`,
		ch.State,
		boolToInt(ch.Canceled),
		ch.LocalBalance,
		ch.RemoteBalance,
		ch.SequenceNumber,
		nullString(ch.FundingTxID),
		ch.FundingOutputIndex,
		ch.NLockTime,
		nullString(hex.EncodeToString(ch.RemoteSig)),
		ch.RemoteSigSequence,
		ch.SignedLocalBalance,
		ch.SignedRemoteBalance,
		nullString(ch.CloseTxID),
		timeToUnixMilliOrZero(ch.UpdatedAt),
		timeToUnixMilliOrZero(ch.LastActivity),
		ch.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, ch.ID)
	}
	return nil
}

func scanChannelRecord(row scanner) (*ChannelRecord, error) {
	var ch ChannelRecord
	var localPub, remotePub string
	var initiator, canceled int
	var fundingTxID, remoteSig, closeTxID sql.NullString
	var createdAt, updatedAt, lastActivity int64

	err := row.Scan(
		&ch.ID,
		&ch.LocalPeerID,
		&ch.RemotePeerID,
		&localPub,
		&remotePub,
		&initiator,
		&ch.State,
		&canceled,
		&ch.Capacity,
		&ch.LocalBalance,
		&ch.RemoteBalance,
		&ch.SequenceNumber,
		&fundingTxID,
		&ch.FundingOutputIndex,
		&ch.NLockTime,
		&remoteSig,
		&ch.RemoteSigSequence,
		&ch.SignedLocalBalance,
		&ch.SignedRemoteBalance,
		&closeTxID,
		&createdAt,
		&updatedAt,
		&lastActivity,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}

	if ch.LocalPubKey, err = hex.DecodeString(localPub); err != nil {
		return nil, fmt.Errorf("corrupt local pubkey: %w", err)
	}
	if ch.RemotePubKey, err = hex.DecodeString(remotePub); err != nil {
		return nil, fmt.Errorf("corrupt remote pubkey: %w", err)
	}
	if remoteSig.Valid {
		if ch.RemoteSig, err = hex.DecodeString(remoteSig.String); err != nil {
			return nil, fmt.Errorf("corrupt remote signature: %w", err)
		}
	}

	ch.Initiator = initiator == 1
	ch.Canceled = canceled == 1
	ch.FundingTxID = fundingTxID.String
	ch.CloseTxID = closeTxID.String
	ch.CreatedAt = time.UnixMilli(createdAt)
	ch.UpdatedAt = time.UnixMilli(updatedAt)
	ch.LastActivity = time.UnixMilli(lastActivity)

	return &ch, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeToUnixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
