// Package keys provides ed25519 signing identities.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/mr-tron/base58"
)

// Signer produces signatures for one ledger identity
type Signer interface {
	PublicKey() types.Key
	Sign(message []byte) []byte
}

// Keypair is an in-memory ed25519 signer
type Keypair struct {
	private ed25519.PrivateKey
	public  types.Key
}

// Generate creates a fresh random keypair
func Generate() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey wraps a 64-byte ed25519 private key
func FromPrivateKey(priv ed25519.PrivateKey) (*Keypair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(priv))
	}
	kp := &Keypair{private: priv}
	copy(kp.public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// PublicKey implements Signer
func (k *Keypair) PublicKey() types.Key {
	return k.public
}

// Sign implements Signer
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Verify checks a signature made by key over message
func Verify(key types.Key, message, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(key[:]), message, signature)
}

// Parse decodes a keypair from either a JSON byte array (the Solana CLI
// keypair file format) or a base58 encoded 64-byte secret
func Parse(data []byte) (*Keypair, error) {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "[") {
		var raw []byte
		var ints []int
		if err := json.Unmarshal([]byte(text), &ints); err != nil {
			return nil, fmt.Errorf("failed to parse keypair json: %w", err)
		}
		for _, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("invalid keypair byte %d", v)
			}
			raw = append(raw, byte(v))
		}
		return FromPrivateKey(ed25519.PrivateKey(raw))
	}

	raw, err := base58.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base58 keypair: %w", err)
	}
	return FromPrivateKey(ed25519.PrivateKey(raw))
}

// LoadFile reads a keypair file, expanding a leading ~
func LoadFile(path string) (*Keypair, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair %s: %w", expanded, err)
	}
	kp, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("keypair %s: %w", expanded, err)
	}
	return kp, nil
}

// ExpandPath replaces a leading ~ with the home directory
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// EncodeJSON renders the keypair in the Solana CLI file format
func (k *Keypair) EncodeJSON() []byte {
	ints := make([]int, len(k.private))
	for i, b := range k.private {
		ints[i] = int(b)
	}
	data, _ := json.Marshal(ints)
	return data
}
