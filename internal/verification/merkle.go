package verification

import (
	"crypto/sha256"
	"encoding/binary"
)

// Arweave chunk-tree parameters.
const (
	maxChunkSize = 256 * 1024
	minChunkSize = 32 * 1024
	noteSize     = 32
)

// chunk is one leaf of the data tree.
type chunk struct {
	dataHash     [32]byte
	maxByteRange uint64
}

// node is an intermediate tree node.
type node struct {
	id           [32]byte
	maxByteRange uint64
}

// ChunkHasher incrementally rebuilds an Arweave transaction data root from a
// byte stream.
//
// Chunking rule: full 256 KiB chunks, except that when the final remainder
// would fall below 32 KiB the last two chunks are rebalanced to roughly equal
// halves. The hasher therefore holds back up to 512 KiB until Root is called.
type ChunkHasher struct {
	buf    []byte
	cursor uint64
	chunks []chunk
}

func NewChunkHasher() *ChunkHasher {
	return &ChunkHasher{}
}

// Write feeds stream bytes. It never fails; it satisfies io.Writer so the
// verify branch can be copied straight into it.
func (h *ChunkHasher) Write(p []byte) (int, error) {
	h.buf = append(h.buf, p...)
	for len(h.buf) > 2*maxChunkSize {
		h.cut(maxChunkSize)
	}
	return len(p), nil
}

// cut emits the first n buffered bytes as one chunk.
func (h *ChunkHasher) cut(n int) {
	h.cursor += uint64(n)
	h.chunks = append(h.chunks, chunk{
		dataHash:     sha256.Sum256(h.buf[:n]),
		maxByteRange: h.cursor,
	})
	h.buf = h.buf[n:]
}

// Root flushes the tail chunks and folds the tree to its root ID.
func (h *ChunkHasher) Root() [32]byte {
	// Tail chunking over the ≤ 512 KiB remainder.
	for len(h.buf) >= maxChunkSize {
		size := maxChunkSize
		if rest := len(h.buf) - maxChunkSize; rest > 0 && rest < minChunkSize {
			size = (len(h.buf) + 1) / 2
		}
		h.cut(size)
	}
	if len(h.buf) > 0 || len(h.chunks) == 0 {
		h.cut(len(h.buf))
	}

	// Leaves.
	layer := make([]node, len(h.chunks))
	for i, c := range h.chunks {
		layer[i] = node{id: leafID(c), maxByteRange: c.maxByteRange}
	}

	// Fold pairwise until one node remains.
	for len(layer) > 1 {
		next := make([]node, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, branchID(layer[i], layer[i+1]))
		}
		layer = next
	}
	return layer[0].id
}

// leafID = H(H(dataHash) || H(note(maxByteRange))).
func leafID(c chunk) [32]byte {
	hd := sha256.Sum256(c.dataHash[:])
	hn := sha256.Sum256(note(c.maxByteRange))
	return sha256.Sum256(append(hd[:], hn[:]...))
}

// branchID = H(H(left) || H(right) || H(note(left.maxByteRange))).
func branchID(left, right node) node {
	hl := sha256.Sum256(left.id[:])
	hr := sha256.Sum256(right.id[:])
	hn := sha256.Sum256(note(left.maxByteRange))

	buf := make([]byte, 0, 96)
	buf = append(buf, hl[:]...)
	buf = append(buf, hr[:]...)
	buf = append(buf, hn[:]...)
	return node{id: sha256.Sum256(buf), maxByteRange: right.maxByteRange}
}

// note encodes an offset as a 32-byte big-endian integer.
func note(n uint64) []byte {
	out := make([]byte, noteSize)
	binary.BigEndian.PutUint64(out[noteSize-8:], n)
	return out
}
