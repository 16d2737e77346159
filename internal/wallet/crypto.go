package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"github.com/klingon-exchange/klingon-channels/internal/chain"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the seed file key.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLen      = 32 // AES-256
	argon2SaltLen     = 32

	seedFileVersion = 1
)

var (
	ErrSeedExists   = errors.New("seed file already exists")
	ErrSeedNotFound = errors.New("seed file not found")
	ErrBadPassword  = errors.New("wrong password or corrupted seed file")
)

// EncryptedSeed is the on-disk form of the node mnemonic.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Network     string `json:"network,omitempty"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func newGCM(password string, salt []byte, time, memory uint32, parallelism uint8) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, time, memory, parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptMnemonic encrypts a mnemonic using Argon2id + AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt, argon2Time, argon2Memory, argon2Parallelism)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSeed{
		Version:     seedFileVersion,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// DecryptMnemonic decrypts an encrypted seed. Zero KDF parameters fall back
// to the defaults.
func DecryptMnemonic(encrypted *EncryptedSeed, password string) (string, error) {
	if encrypted.Version != seedFileVersion {
		return "", fmt.Errorf("unsupported seed file version %d", encrypted.Version)
	}

	time, memory, parallelism := encrypted.Time, encrypted.Memory, encrypted.Parallelism
	if time == 0 {
		time = argon2Time
	}
	if memory == 0 {
		memory = argon2Memory
	}
	if parallelism == 0 {
		parallelism = argon2Parallelism
	}

	gcm, err := newGCM(password, encrypted.Salt, time, memory, parallelism)
	if err != nil {
		return "", err
	}
	if len(encrypted.Nonce) != gcm.NonceSize() {
		return "", ErrBadPassword
	}

	plaintext, err := gcm.Open(nil, encrypted.Nonce, encrypted.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPassword, err)
	}
	defer SecureClear(plaintext)

	return string(plaintext), nil
}

// SaveEncryptedSeed writes an encrypted seed with owner-only permissions.
func SaveEncryptedSeed(encrypted *EncryptedSeed, path string) error {
	if err := ValidateFilePath(path); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(encrypted)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadEncryptedSeed reads an encrypted seed file.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSeedNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var encrypted EncryptedSeed
	if err := json.Unmarshal(data, &encrypted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return &encrypted, nil
}

// InitSeed generates a mnemonic, encrypts it and writes it to path. It
// refuses to overwrite an existing file. The mnemonic is returned so the
// caller can show it once for backup.
func InitSeed(path, password string, network chain.Network) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrSeedExists, path)
	}

	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return "", err
	}

	encrypted, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return "", err
	}
	encrypted.Network = string(network)

	if err := SaveEncryptedSeed(encrypted, path); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// OpenSeed decrypts the seed file at path and builds a wallet for network.
// A seed created for a different network is rejected.
func OpenSeed(path, password string, network chain.Network) (*Wallet, error) {
	encrypted, err := LoadEncryptedSeed(path)
	if err != nil {
		return nil, err
	}
	if encrypted.Network != "" && encrypted.Network != string(network) {
		return nil, fmt.Errorf("seed file was created for %s, not %s", encrypted.Network, network)
	}

	mnemonic, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		return nil, err
	}
	return NewFromMnemonic(mnemonic, "", network)
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword requires at least 8 characters and 3 of 4 character classes.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var classes [4]bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes[0] = true
		case unicode.IsLower(r):
			classes[1] = true
		case unicode.IsNumber(r):
			classes[2] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes[3] = true
		}
	}

	n := 0
	for _, ok := range classes {
		if ok {
			n++
		}
	}
	if n < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}

// ValidateFilePath rejects empty, non-UTF-8 and traversing relative paths.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if clean := filepath.Clean(path); clean != path && !filepath.IsAbs(path) {
		return fmt.Errorf("suspicious path (potential traversal): %s", path)
	}
	if !utf8.ValidString(path) {
		return fmt.Errorf("path contains invalid UTF-8")
	}
	return nil
}

// ValidateKeyLocator bounds a locator to non-hardened indexes and known families.
func ValidateKeyLocator(loc KeyLocator) error {
	if loc.Family > FamilyPayout {
		return fmt.Errorf("unknown key family %d", loc.Family)
	}
	if loc.Index >= 1<<31 {
		return fmt.Errorf("key index %d is in the hardened range", loc.Index)
	}
	return nil
}
