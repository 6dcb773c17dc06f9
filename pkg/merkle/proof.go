package merkle

import (
	"fmt"
	"sort"
	"strings"
)

// InclusionProof shows that one leaf hashes up to a root.
type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling on the way to the root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the inclusion proof for path.
func (t *Tree) Proof(path string) (InclusionProof, error) {
	idx := sort.Search(len(t.Leaves), func(i int) bool { return t.Leaves[i].Path >= path })
	if idx == len(t.Leaves) || t.Leaves[idx].Path != path {
		return InclusionProof{}, fmt.Errorf("merkle: no leaf %q", path)
	}
	proof := InclusionProof{LeafPath: path, LeafHash: t.Leaves[idx].LeafHash, MerkleRoot: t.Root}
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sib := idx ^ 1
		if sib >= len(level) {
			sib = idx
		}
		side := "R"
		if idx%2 == 1 {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{Side: side, SiblingHash: level[sib]})
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusionProof reports whether proof hashes up to expectedRoot. An
// empty expectedRoot trusts proof.MerkleRoot.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}
