package merkle

import (
	"fmt"
	"strings"
)

type InclusionProof struct {
	LeafKey    string      `json:"leaf_key"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R": where the sibling sits
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the inclusion proof for the leaf at index.
func (t *MerkleTree) Proof(index int) (InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return InclusionProof{}, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Leaves))
	}
	proof := InclusionProof{
		LeafKey:    t.Leaves[index].Key,
		LeafHash:   t.Leaves[index].LeafHash,
		MerkleRoot: t.Root,
	}
	idx := index
	// The last level is the root and contributes no sibling.
	for _, level := range t.Nodes[:len(t.Nodes)-1] {
		var step ProofStep
		if idx%2 == 0 {
			sib := idx + 1
			if sib >= len(level) {
				sib = idx
			}
			step = ProofStep{Side: "R", SiblingHash: level[sib]}
		} else {
			step = ProofStep{Side: "L", SiblingHash: level[idx-1]}
		}
		proof.ProofPath = append(proof.ProofPath, step)
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusionProof folds the proof path from the leaf upward and checks
// it against expectedRoot (or the proof's own root when expectedRoot is "").
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		switch step.Side {
		case "L":
			current = nodeHash(step.SiblingHash, current)
		case "R":
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}
