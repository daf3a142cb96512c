// Package merkle implements the binary Merkle tree construction required
// by the wire protocol's bit-exact compatibility clause: leaves hashed in
// arrival order, duplicate-last on an odd level, matching the construction
// used throughout the btcsuite/btcd family of examples this module draws
// its chain adapters from.
package merkle

import (
	"crypto/sha256"

	"github.com/rg-network/node/pkg/types"
)

func hashPair(a, b types.Hash) types.Hash {
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// LeafHash hashes one arbitrary canonically-serialisable leaf value.
func LeafHash(v any) (types.Hash, error) {
	b, err := types.CanonicalBytes(v)
	if err != nil {
		return types.Hash{}, err
	}
	return sha256.Sum256(b), nil
}

// Tree is a computed Merkle tree over an ordered list of leaves, retained
// so that Root and Proof can both be derived without recomputation.
type Tree struct {
	levels [][]types.Hash // levels[0] = leaves
}

// Build computes a Tree over leaves in arrival order. An empty input
// produces a Tree whose Root is the zero hash.
func Build(leaves []types.Hash) *Tree {
	if len(leaves) == 0 {
		return &Tree{levels: [][]types.Hash{{}}}
	}
	level := append([]types.Hash(nil), leaves...)
	levels := [][]types.Hash{level}
	for len(level) > 1 {
		next := make([]types.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// duplicate-last on odd level count
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}
}

// Root returns the tree's Merkle root.
func (t *Tree) Root() types.Hash {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return types.Hash{}
	}
	return top[0]
}

// Proof returns the inclusion path for the leaf at index idx, leaf to root.
func (t *Tree) Proof(idx int) []types.MerklePath {
	var path []types.MerklePath
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		isRight := idx%2 == 1
		var siblingIdx int
		if isRight {
			siblingIdx = idx - 1
		} else {
			siblingIdx = idx + 1
			if siblingIdx >= len(level) {
				siblingIdx = idx // duplicate-last sibling is itself
			}
		}
		path = append(path, types.MerklePath{Sibling: level[siblingIdx], OnRight: !isRight})
		idx /= 2
	}
	return path
}

// VerifyProof recomputes the root from a leaf hash and its inclusion path
// and reports whether it matches the expected root.
func VerifyProof(leaf types.Hash, path []types.MerklePath, root types.Hash) bool {
	cur := leaf
	for _, step := range path {
		if step.OnRight {
			cur = hashPair(cur, step.Sibling)
		} else {
			cur = hashPair(step.Sibling, cur)
		}
	}
	return cur == root
}
