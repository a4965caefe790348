// Package merkle builds domain-separated binary Merkle trees over ordered
// leaves and produces inclusion proofs for them.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	leafPrefix = "trustgate:ledger:leaf:v1"
	nodePrefix = "trustgate:ledger:node:v1"
)

// ErrEmpty is returned when a tree is built from no leaves.
var ErrEmpty = errors.New("merkle: no leaves")

// Leaf is one ordered input. Key names the leaf (a ledger sequence number,
// for example) and Data is its committed content.
type Leaf struct {
	Key  string
	Data []byte
}

type MerkleLeaf struct {
	Key      string
	LeafHash string
}

type MerkleTree struct {
	Leaves []MerkleLeaf
	Root   string
	Nodes  [][]string // levels of node hashes, leaves first
}

// Build constructs the tree in input order. Odd levels duplicate their last
// node.
func Build(leaves []Leaf) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmpty
	}
	tree := &MerkleTree{Leaves: make([]MerkleLeaf, len(leaves))}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		h := LeafHash(l.Key, l.Data)
		tree.Leaves[i] = MerkleLeaf{Key: l.Key, LeafHash: h}
		level[i] = h
	}
	for len(level) > 1 {
		tree.Nodes = append(tree.Nodes, level)
		level = buildNextLevel(level)
	}
	tree.Nodes = append(tree.Nodes, level)
	tree.Root = level[0]
	return tree, nil
}

// LeafHash returns SHA256(prefix || 0 || key || 0 || data).
func LeafHash(key string, data []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(key)
	buf.WriteByte(0)
	buf.Write(data)
	return sha256Hex(buf.Bytes())
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes[:count:count], hashes[count-1])
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
