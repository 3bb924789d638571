// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package dma provides coherent memory for bus mastering devices and the
// scatter-gather model used to describe transfers over it.
package dma

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoMem = errors.New("out of dma memory")

// Mem is a coherent allocation: CPU addressable bytes plus the bus address
// the device uses for the same memory.
type Mem struct {
	b   []byte
	bus uint64
}

func (m *Mem) Bytes() []byte { return m.b }
func (m *Mem) Bus() uint64   { return m.bus }
func (m *Mem) Len() int      { return len(m.b) }

// Heap carves Mem allocations out of one coherent region. Allocations are
// never returned individually; the region is released as a whole when the
// owning device is torn down.
type Heap struct {
	mu     sync.Mutex
	b      []byte
	bus    uint64
	off    int
	closer func() error
}

// NewHeap wraps an already coherent region whose bus address is known.
func NewHeap(b []byte, bus uint64) *Heap {
	return &Heap{b: b, bus: bus}
}

// Alloc returns size bytes aligned to align from the region.
func (h *Heap) Alloc(size, align int) (*Mem, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	off := h.off
	if align > 1 {
		off = (off + align - 1) &^ (align - 1)
	}
	if off+size > len(h.b) {
		return nil, fmt.Errorf("alloc %d bytes at offset %d of %d: %w",
			size, off, len(h.b), ErrNoMem)
	}
	h.off = off + size
	return &Mem{b: h.b[off : off+size : off+size], bus: h.bus + uint64(off)}, nil
}

func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.b = nil
	if h.closer != nil {
		return h.closer()
	}
	return nil
}
