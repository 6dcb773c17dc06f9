// Package merkle builds a domain-separated Merkle tree over evidence so a
// single record can be proven part of an exported run.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/canonicalize"
)

const (
	leafPrefix = "odyssey:evidence:leaf:v1"
	nodePrefix = "odyssey:evidence:node:v1"
)

// Leaf is one keyed value in the tree.
type Leaf struct {
	Path      string
	LeafBytes []byte
	LeafHash  string
}

// Tree is a binary Merkle tree. Levels[0] holds the leaf hashes and the
// last level holds the root.
type Tree struct {
	Leaves []Leaf
	Root   string
	Levels [][]string
}

// Build constructs a tree from path -> value. Paths are sorted; each value
// is canonicalized before hashing. An empty map yields an empty root.
func Build(data map[string]any) (*Tree, error) {
	paths := make([]string, 0, len(data))
	for k := range data {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	leaves := make([]Leaf, len(paths))
	for i, path := range paths {
		canonical, err := canonicalize.JCS(data[path])
		if err != nil {
			return nil, fmt.Errorf("merkle: canonicalize %s: %w", path, err)
		}
		lb := leafBytes(path, canonical)
		leaves[i] = Leaf{Path: path, LeafBytes: lb, LeafHash: sha256Hex(lb)}
	}

	if len(leaves) == 0 {
		return &Tree{Root: ""}, nil
	}

	tree := &Tree{Leaves: leaves}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree, nil
}

// Root is a shortcut for Build(data).Root.
func Root(data map[string]any) (string, error) {
	t, err := Build(data)
	if err != nil {
		return "", err
	}
	return t.Root, nil
}

func leafBytes(path string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

// nextLevel pairs hashes, duplicating the last one on odd counts.
func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes[:len(hashes):len(hashes)], hashes[len(hashes)-1])
	}
	out := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
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
