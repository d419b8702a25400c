package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Signer holds the server's block-signing identity. The signer id is the
// hex-encoded public key, so any replica can verify the chain offline.
type Signer struct {
	ID   string
	priv ed25519.PrivateKey
}

// LoadOrCreateSigner reads an ed25519 seed from path, generating and
// persisting a fresh one (mode 0600) when the file does not exist.
func LoadOrCreateSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid signing key in %s", path)
		}
		return newSigner(ed25519.NewKeyFromSeed(seed)), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return newSigner(ed25519.NewKeyFromSeed(seed)), nil
}

func newSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{ID: hex.EncodeToString(pub), priv: priv}
}

// Sign returns the hex-encoded ed25519 signature of msg.
func (s *Signer) Sign(msg []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, msg))
}

// Verify checks a hex signature against a hex-encoded signer id (public key).
func Verify(signerID string, msg []byte, signature string) bool {
	pub, err := hex.DecodeString(signerID)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
