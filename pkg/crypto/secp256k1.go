package crypto

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/rg-network/node/pkg/types"
)

// Secp256k1Signer is the default live Signer, grounded on the same
// btcec/v2 + ecdsa stack the arcsign bitcoin adapter uses to sign
// transaction digests.
type Secp256k1Signer struct {
	priv *btcec.PrivateKey
}

// NewSecp256k1Signer derives a signer from a 32-byte private key.
func NewSecp256k1Signer(privKeyBytes []byte) *Secp256k1Signer {
	priv, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return &Secp256k1Signer{priv: priv}
}

// GenerateSecp256k1Signer creates a signer from a freshly generated key,
// used by tests and by nodes bootstrapping a throwaway identity.
func GenerateSecp256k1Signer() (*Secp256k1Signer, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Secp256k1Signer{priv: priv}, nil
}

func (s *Secp256k1Signer) PublicKey() types.PublicKey {
	return types.PublicKey(s.priv.PubKey().SerializeCompressed())
}

func (s *Secp256k1Signer) Sign(digest types.Hash) (types.Proof, error) {
	sig := ecdsa.Sign(s.priv, digest[:])
	return types.Proof{
		PublicKey: s.PublicKey(),
		Signature: sig.Serialize(),
	}, nil
}

// Secp256k1Verifier verifies DER-encoded ECDSA signatures produced by
// Secp256k1Signer and derives addresses as Hash160 of the compressed
// public key, matching the P2WPKH-style derivation used by the bitcoin
// chain adapter's own address scheme.
type Secp256k1Verifier struct{}

func (Secp256k1Verifier) Verify(proof types.Proof, digest types.Hash) bool {
	pub, err := btcec.ParsePubKey(proof.PublicKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(proof.Signature)
	if err != nil {
		return false
	}
	return sig.Verify(digest[:], pub)
}

func (Secp256k1Verifier) AddressOf(pub types.PublicKey) types.Address {
	h := btcutil.Hash160(pub)
	var a types.Address
	copy(a[:], h)
	return a
}
