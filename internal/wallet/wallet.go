// Package wallet holds the operator's signing key. Withdrawals are
// simulated; the key only signs settlement receipts.
package wallet

import (
	"encoding/hex"
	"fmt"
	"strings"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	crypto "github.com/bsv-blockchain/go-sdk/primitives/hash"
	"github.com/bsv-blockchain/go-sdk/script"
)

// Wallet holds a secp256k1 private key and derived BSV address.
type Wallet struct {
	PrivateKey *ec.PrivateKey
	PublicKey  []byte // 33-byte compressed public key
	Address    string // Base58Check P2PKH address (mainnet)
	WIF        string
}

// Load creates a wallet from a WIF-encoded private key.
func Load(wif string) (*Wallet, error) {
	wif = strings.TrimSpace(wif)
	if wif == "" {
		return nil, fmt.Errorf("no wallet key provided")
	}
	privKey, err := ec.PrivateKeyFromWif(wif)
	if err != nil {
		return nil, fmt.Errorf("decode WIF: %w", err)
	}
	return fromKey(privKey)
}

// Generate creates a new random wallet.
func Generate() (*Wallet, error) {
	privKey, err := ec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromKey(privKey)
}

func fromKey(privKey *ec.PrivateKey) (*Wallet, error) {
	addr, err := script.NewAddressFromPublicKey(privKey.PubKey(), true)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	return &Wallet{
		PrivateKey: privKey,
		PublicKey:  privKey.PubKey().Compressed(),
		Address:    addr.AddressString,
		WIF:        privKey.Wif(),
	}, nil
}

// Sign produces a DER-encoded ECDSA signature of the double-SHA256 hash of data.
func (w *Wallet) Sign(data []byte) ([]byte, error) {
	hash := crypto.Sha256d(data)
	sig, err := w.PrivateKey.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig.Serialize(), nil
}

// SignMessage signs msg and returns the hex signature.
func (w *Wallet) SignMessage(msg string) (string, error) {
	sig, err := w.Sign([]byte(msg))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex signature produced by SignMessage.
func (w *Wallet) Verify(msg, sigHex string) bool {
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := ec.ParseDERSignature(raw)
	if err != nil {
		return false
	}
	return sig.Verify(crypto.Sha256d([]byte(msg)), w.PrivateKey.PubKey())
}

// ValidateAddress reports whether addr decodes as a P2PKH address.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if _, err := script.NewAddressFromString(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}
