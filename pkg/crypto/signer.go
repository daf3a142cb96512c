// Package crypto wraps the signature primitives the core specification
// treats as an external collaborator (§1: "key derivation, signature
// primitives ... the threshold-signature protocol itself"). Components
// depend only on the Signer/Verifier interfaces below; the default
// implementation is grounded on the secp256k1 stack already required by
// the teacher repository (btcec/v2, decred secp256k1).
package crypto

import (
	"crypto/sha256"

	"github.com/rg-network/node/pkg/types"
)

// Signer produces a Proof binding a public key and a signature over an
// arbitrary digest.
type Signer interface {
	PublicKey() types.PublicKey
	Sign(digest types.Hash) (types.Proof, error)
}

// Verifier checks that a Proof's signature is valid over a digest for the
// claimed public key, and derives the Address a public key controls.
type Verifier interface {
	Verify(proof types.Proof, digest types.Hash) bool
	AddressOf(pub types.PublicKey) types.Address
}

// Digest hashes arbitrary canonically-serialisable data to the digest form
// Sign/Verify operate on.
func Digest(v any) (types.Hash, error) {
	b, err := types.CanonicalBytes(v)
	if err != nil {
		return types.Hash{}, err
	}
	return sha256.Sum256(b), nil
}
