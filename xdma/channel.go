// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package xdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrRestart reports an acquire interrupted before a channel
	// was consumed; the caller may retry.
	ErrRestart = errors.New("channel wait interrupted")

	ErrNoChannel = errors.New("no free channel")
	ErrNotHeld   = errors.New("channel not held")
)

// Direction of a transfer relative to the host.
type Direction int

const (
	ToDevice   Direction = iota // H2C
	FromDevice                  // C2H
)

func (d Direction) String() string {
	if d == ToDevice {
		return "H2C"
	}
	return "C2H"
}

// channel is one hardware DMA engine instance.
type channel struct {
	base      uint32
	id        uint32
	h2c       bool
	name      string
	irq       int
	ring      *ring
	submitted int
	compl     chan struct{}
}

// chanInfo is the per direction channel registry: a free bitmap plus a
// counting semaphore bounding concurrent acquisition. The semaphore
// count always equals the number of set bits.
type chanInfo struct {
	startIndex int

	mu     sync.Mutex
	num    int
	bitmap uint32
	sem    chan struct{}
}

func (ci *chanInfo) init() {
	ci.sem = make(chan struct{}, ci.num)
	for i := 0; i < ci.num; i++ {
		ci.sem <- struct{}{}
	}
}

// acquire blocks until a channel of this direction is free, or the
// context is done. On success the returned index is the global channel
// index; the caller owns it until release.
func (ci *chanInfo) acquire(ctx context.Context) (int, error) {
	select {
	case <-ci.sem:
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrRestart, ctx.Err())
	}
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for i := 0; i < ci.num; i++ {
		if ci.bitmap&(1<<uint(i)) != 0 {
			ci.bitmap &^= 1 << uint(i)
			return i + ci.startIndex, nil
		}
	}
	// The semaphore granted a token, so a bit must be free.
	ci.sem <- struct{}{}
	return 0, ErrNoChannel
}

// release returns the channel to the registry. The index is validated
// against the direction's range and current ownership; releasing a
// channel that is not held is an error, not a silent corruption.
func (ci *chanInfo) release(index int) error {
	i := index - ci.startIndex
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if i < 0 || i >= ci.num {
		return fmt.Errorf("channel %d: index out of range: %w",
			index, ErrNotHeld)
	}
	if ci.bitmap&(1<<uint(i)) != 0 {
		return fmt.Errorf("channel %d: already free: %w", index, ErrNotHeld)
	}
	ci.bitmap |= 1 << uint(i)
	ci.sem <- struct{}{}
	return nil
}
