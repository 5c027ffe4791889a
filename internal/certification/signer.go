// Package certification produces signed state certificates: a hash tree of
// message outcomes plus a BLS signature over its root.
package certification

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/bls"

	"github.com/starford/lightic/internal/hashtree"
)

// PublicKeySize is the length of a compressed G2 public key.
const PublicKeySize = 96

// derPrefix wraps a raw BLS12-381 G2 key in the DER structure agents expect.
var derPrefix, _ = hex.DecodeString("308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100")

var stateRootSep = hashtree.DomainSep("ic-state-root")

var (
	ErrBadRootKey   = errors.New("certification: malformed root key")
	ErrBadSignature = errors.New("certification: signature does not verify")
)

// Signer holds the replica key pair for the lifetime of the process.
type Signer struct {
	priv *bls.PrivateKey[bls.KeyG2SigG1]
	pub  []byte
}

// NewSigner derives a key pair from seed. A nil seed draws 32 random bytes.
func NewSigner(seed []byte) (*Signer, error) {
	if seed == nil {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("certification: seed: %w", err)
		}
	}
	if len(seed) < 32 {
		return nil, fmt.Errorf("certification: seed must be at least 32 bytes, got %d", len(seed))
	}
	priv, err := bls.KeyGen[bls.KeyG2SigG1](seed, nil, []byte("lightic"))
	if err != nil {
		return nil, fmt.Errorf("certification: keygen: %w", err)
	}
	pub, err := priv.PublicKey().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("certification: public key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// PublicKey is the raw 96-byte key.
func (s *Signer) PublicKey() []byte {
	return bytes.Clone(s.pub)
}

// RootKey is the DER encoded public key published to agents.
func (s *Signer) RootKey() []byte {
	return append(bytes.Clone(derPrefix), s.pub...)
}

// SignRoot signs the domain separated root hash.
func (s *Signer) SignRoot(root [32]byte) []byte {
	return bls.Sign(s.priv, stateRootMessage(root))
}

func stateRootMessage(root [32]byte) []byte {
	return append(bytes.Clone(stateRootSep), root[:]...)
}

// PublicKeyFromDER strips the DER wrapper from a root key.
func PublicKeyFromDER(der []byte) ([]byte, error) {
	if len(der) != len(derPrefix)+PublicKeySize || !bytes.HasPrefix(der, derPrefix) {
		return nil, ErrBadRootKey
	}
	return der[len(derPrefix):], nil
}

// VerifyRoot checks sig over root against a DER root key.
func VerifyRoot(rootKey []byte, root [32]byte, sig []byte) error {
	raw, err := PublicKeyFromDER(rootKey)
	if err != nil {
		return err
	}
	var pub bls.PublicKey[bls.KeyG2SigG1]
	if err := pub.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRootKey, err)
	}
	if !bls.Verify(&pub, stateRootMessage(root), sig) {
		return ErrBadSignature
	}
	return nil
}
