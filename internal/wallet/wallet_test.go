package wallet

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klingon-exchange/klingon-channels/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const testPassword = "TestPassword123!"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}

	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"abandon", false},
	}

	for _, tc := range tests {
		if got := ValidateMnemonic(tc.mnemonic); got != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, got, tc.valid)
		}
	}
}

func TestNewFromMnemonic(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Testnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	if w.Network() != chain.Testnet {
		t.Errorf("Network() = %s, want testnet", w.Network())
	}

	if _, err := NewFromMnemonic("invalid mnemonic", "", chain.Mainnet); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
	if _, err := NewFromMnemonic(testMnemonic, "", chain.Network("litecoin")); err == nil {
		t.Error("expected error for unknown network")
	}
}

func TestDerivationPath(t *testing.T) {
	tests := []struct {
		network chain.Network
		loc     KeyLocator
		want    string
	}{
		{chain.Mainnet, KeyLocator{Family: FamilyMultiSig}, "m/1017'/0'/0'/0/0"},
		{chain.Testnet, KeyLocator{Family: FamilyMultiSig}, "m/1017'/1'/0'/0/0"},
		{chain.Regtest, KeyLocator{Family: FamilyPayout, Index: 7}, "m/1017'/1'/1'/0/7"},
	}

	for _, tc := range tests {
		w, _ := NewFromMnemonic(testMnemonic, "", tc.network)
		if got := w.DerivationPath(tc.loc); got != tc.want {
			t.Errorf("DerivationPath(%s, %v) = %s, want %s", tc.network, tc.loc, got, tc.want)
		}
	}
}

func TestChannelKeyDeterministic(t *testing.T) {
	w1, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	w2, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)

	k1, err := w1.ChannelKey()
	if err != nil {
		t.Fatalf("ChannelKey() error = %v", err)
	}
	k2, _ := w2.ChannelKey()
	if !bytes.Equal(k1.Serialize(), k2.Serialize()) {
		t.Error("same mnemonic should derive the same channel key")
	}

	// A passphrase changes the seed.
	w3, _ := NewFromMnemonic(testMnemonic, "extra", chain.Mainnet)
	k3, _ := w3.ChannelKey()
	if bytes.Equal(k1.Serialize(), k3.Serialize()) {
		t.Error("passphrase should change the channel key")
	}

	// Coin type is part of the path.
	wt, _ := NewFromMnemonic(testMnemonic, "", chain.Testnet)
	kt, _ := wt.ChannelKey()
	if bytes.Equal(k1.Serialize(), kt.Serialize()) {
		t.Error("mainnet and testnet channel keys should differ")
	}
}

func TestDeriveKeyFamilies(t *testing.T) {
	w, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)

	multisig, err := w.PrivateKey(KeyLocator{Family: FamilyMultiSig})
	if err != nil {
		t.Fatalf("PrivateKey(multisig) error = %v", err)
	}
	payout, err := w.PrivateKey(KeyLocator{Family: FamilyPayout})
	if err != nil {
		t.Fatalf("PrivateKey(payout) error = %v", err)
	}
	if bytes.Equal(multisig.Serialize(), payout.Serialize()) {
		t.Error("key families should not share keys")
	}

	if _, err := w.DeriveKey(KeyLocator{Family: 9}); err == nil {
		t.Error("expected error for unknown family")
	}
	if _, err := w.DeriveKey(KeyLocator{Index: 1 << 31}); err == nil {
		t.Error("expected error for hardened index")
	}
}

func TestWalletCache(t *testing.T) {
	w, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	loc := KeyLocator{Family: FamilyPayout, Index: 3}

	first, _ := w.DeriveKey(loc)
	second, _ := w.DeriveKey(loc)
	if first != second {
		t.Error("second derivation should hit the cache")
	}

	w.ClearCache()
	third, _ := w.DeriveKey(loc)
	if third == first {
		t.Error("cache should have been cleared")
	}
	if third.String() != first.String() {
		t.Error("re-derived key should match")
	}
}

func TestChannelAddress(t *testing.T) {
	tests := []struct {
		network chain.Network
		prefix  string
	}{
		{chain.Mainnet, "bc1q"},
		{chain.Testnet, "tb1q"},
		{chain.Regtest, "bcrt1q"},
	}

	for _, tc := range tests {
		w, _ := NewFromMnemonic(testMnemonic, "", tc.network)
		addr, err := w.ChannelAddress()
		if err != nil {
			t.Fatalf("ChannelAddress(%s) error = %v", tc.network, err)
		}
		if !strings.HasPrefix(addr, tc.prefix) {
			t.Errorf("ChannelAddress(%s) = %s, want prefix %s", tc.network, addr, tc.prefix)
		}
	}
}

func TestP2WSHAddress(t *testing.T) {
	addr, err := P2WSHAddress([]byte{0x51}, chain.Regtest)
	if err != nil {
		t.Fatalf("P2WSHAddress() error = %v", err)
	}
	// P2WSH addresses carry a 32-byte program and are longer than P2WPKH.
	if !strings.HasPrefix(addr, "bcrt1q") || len(addr) != 64 {
		t.Errorf("P2WSHAddress() = %s (len %d)", addr, len(addr))
	}
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	encrypted, err := EncryptMnemonic(testMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	if encrypted.Version != 1 {
		t.Errorf("version = %d, want 1", encrypted.Version)
	}

	decrypted, err := DecryptMnemonic(encrypted, testPassword)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}
	if decrypted != testMnemonic {
		t.Error("decrypted mnemonic doesn't match original")
	}

	if _, err := DecryptMnemonic(encrypted, "WrongPassword123!"); !errors.Is(err, ErrBadPassword) {
		t.Errorf("wrong password: got %v, want ErrBadPassword", err)
	}

	encrypted.Version = 2
	if _, err := DecryptMnemonic(encrypted, testPassword); err == nil {
		t.Error("should reject unknown version")
	}
}

func TestEncryptMnemonicRejectsBadInput(t *testing.T) {
	if _, err := EncryptMnemonic(testMnemonic, "weak"); err == nil {
		t.Error("should reject weak password")
	}
	if _, err := EncryptMnemonic("not a mnemonic", testPassword); err == nil {
		t.Error("should reject invalid mnemonic")
	}
}

func TestSaveLoadEncryptedSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "seed.json")

	encrypted, _ := EncryptMnemonic(testMnemonic, testPassword)
	if err := SaveEncryptedSeed(encrypted, path); err != nil {
		t.Fatalf("SaveEncryptedSeed() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}

	loaded, err := LoadEncryptedSeed(path)
	if err != nil {
		t.Fatalf("LoadEncryptedSeed() error = %v", err)
	}
	decrypted, err := DecryptMnemonic(loaded, testPassword)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}
	if decrypted != testMnemonic {
		t.Error("loaded and decrypted mnemonic doesn't match")
	}

	if _, err := LoadEncryptedSeed(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, ErrSeedNotFound) {
		t.Errorf("missing file: got %v, want ErrSeedNotFound", err)
	}
}

func TestInitAndOpenSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")

	mnemonic, err := InitSeed(path, testPassword, chain.Regtest)
	if err != nil {
		t.Fatalf("InitSeed() error = %v", err)
	}
	if !ValidateMnemonic(mnemonic) {
		t.Fatal("InitSeed returned an invalid mnemonic")
	}

	if _, err := InitSeed(path, testPassword, chain.Regtest); !errors.Is(err, ErrSeedExists) {
		t.Errorf("second InitSeed: got %v, want ErrSeedExists", err)
	}

	w, err := OpenSeed(path, testPassword, chain.Regtest)
	if err != nil {
		t.Fatalf("OpenSeed() error = %v", err)
	}
	fromMnemonic, _ := NewFromMnemonic(mnemonic, "", chain.Regtest)

	k1, _ := w.ChannelKey()
	k2, _ := fromMnemonic.ChannelKey()
	if !bytes.Equal(k1.Serialize(), k2.Serialize()) {
		t.Error("opened wallet should derive the mnemonic's channel key")
	}

	if _, err := OpenSeed(path, testPassword, chain.Mainnet); err == nil {
		t.Error("should reject a seed from another network")
	}
	if _, err := OpenSeed(path, "WrongPassword123!", chain.Regtest); !errors.Is(err, ErrBadPassword) {
		t.Errorf("wrong password: got %v, want ErrBadPassword", err)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"TestPassword123!", true},
		{"TestPassword123", true},
		{"TestPassword!", true},
		{"Test123!", true},
		{"short", false},
		{"testpassword", false},
		{"12345678", false},
		{"testpassword123", false},
		{"TESTPASSWORD123", false},
		{strings.Repeat("a", 257), false},
	}

	for _, tc := range tests {
		err := ValidatePassword(tc.password)
		if tc.valid && err != nil {
			t.Errorf("ValidatePassword(%q) should be valid, got error: %v", tc.password, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("ValidatePassword(%q) should be invalid", tc.password)
		}
	}
}

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"/var/lib/chand/seed.json", true},
		{"seed.json", true},
		{"", false},
		{"a/../../seed.json", false},
	}

	for _, tc := range tests {
		err := ValidateFilePath(tc.path)
		if (err == nil) != tc.valid {
			t.Errorf("ValidateFilePath(%q) err = %v, want valid=%v", tc.path, err, tc.valid)
		}
	}
}

func TestSecureClear(t *testing.T) {
	data := []byte("sensitive data")
	SecureClear(data)

	for _, b := range data {
		if b != 0 {
			t.Fatal("data should be cleared to zeros")
		}
	}

	if !ConstantTimeCompare([]byte("test"), []byte("test")) {
		t.Error("equal slices should compare true")
	}
	if ConstantTimeCompare([]byte("test"), []byte("diff")) {
		t.Error("different slices should compare false")
	}
}
