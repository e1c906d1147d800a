package dedup

import (
	"encoding/hex"
	"sync"

	"github.com/neophob/fw-honeypot/internal/shared/logger"
)

const (
	DefaultCapacity  = 100
	DefaultThreshold = 0.8
	DefaultMaxBytes  = 3 * 1024
)

// Window 是一个固定容量的环形缓冲，保存最近接受过的 payload。
// 与任意一条已有记录相似度 >= threshold 的 payload 会被拒绝。
type Window struct {
	mu        sync.Mutex
	entries   [][]byte
	index     int
	threshold float64
	maxBytes  int
}

// New creates a window. Non-positive arguments select the defaults;
// maxBytes < 0 disables the size check.
func New(capacity int, threshold float64, maxBytes int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	logger.Debug().
		Int("capacity", capacity).
		Interface("threshold", threshold).
		Msg("Dedup: window initialized")
	return &Window{
		entries:   make([][]byte, capacity),
		threshold: threshold,
		maxBytes:  maxBytes,
	}
}

// IsUniqueHex decodes a hex string and calls IsUnique. Invalid hex is rejected.
func (w *Window) IsUniqueHex(s string) bool {
	b, err := hex.DecodeString(s)
	if err != nil {
		logger.Debug().Err(err).Msg("Dedup: invalid hex payload rejected")
		return false
	}
	return w.IsUnique(b)
}

// IsUnique 返回 true 并记录 payload，或在过大/过于相似时返回 false。
func (w *Window) IsUnique(payload []byte) bool {
	if w.maxBytes > 0 && len(payload) > w.maxBytes {
		logger.Debug().Int("size", len(payload)).Int("max", w.maxBytes).Msg("Dedup: payload exceeds max size")
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, old := range w.entries {
		if old == nil {
			continue
		}
		if sim := Similarity(payload, old); sim >= w.threshold {
			logger.Debug().Interface("similarity", sim).Msg("Dedup: payload too similar to existing entry")
			return false
		}
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	w.entries[w.index] = stored
	w.index = (w.index + 1) % len(w.entries)
	return true
}

// Len returns the number of occupied slots.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// Similarity = 1 - diff/max(len(a), len(b)), diff = 长度差 + 重叠部分不同字节数。
// 两个空 payload 视为完全相同。
func Similarity(a, b []byte) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	overlap := len(a)
	diff := len(b) - len(a)
	if diff < 0 {
		diff = -diff
		overlap = len(b)
	}
	for i := 0; i < overlap; i++ {
		if a[i] != b[i] {
			diff++
		}
	}
	return 1 - float64(diff)/float64(longest)
}
