// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package dmaengine is a small slave-DMA framework: devices expose
// channels, clients request one with a filter and prepare transfers
// against it. It carries the generic surface the QDMA engine plugs
// into.
package dmaengine

import (
	"context"
	"errors"
	"sync"

	"github.com/platinasystems/xrt/dma"
)

var (
	ErrNoChan    = errors.New("no matching channel")
	ErrBadConfig = errors.New("bad slave config")
)

// Direction of a slave transfer.
type Direction int

const (
	MemToDev Direction = iota
	DevToMem
)

func (d Direction) String() string {
	if d == MemToDev {
		return "mem-to-dev"
	}
	return "dev-to-mem"
}

// SlaveConfig sets the device side of a channel before transfers are
// prepared.
type SlaveConfig struct {
	Direction Direction
	DevAddr   uint64
}

// Tx is one prepared transfer descriptor.
type Tx interface {
	// Submit queues the transfer and blocks until it completes or
	// the context is done.
	Submit(ctx context.Context) error
}

// Chan is one slave DMA channel.
type Chan interface {
	Direction() Direction
	Config(SlaveConfig) error
	PrepSlaveSG(tbl dma.Table) (Tx, error)
}

// Filter decides whether a channel suits the requester's parameter.
type Filter func(c Chan, param interface{}) bool

// Device is one registered DMA provider.
type Device struct {
	Name string

	mu    sync.Mutex
	chans []Chan
	busy  map[Chan]bool
}

func NewDevice(name string) *Device {
	return &Device{Name: name, busy: make(map[Chan]bool)}
}

func (d *Device) AddChannel(c Chan) {
	d.mu.Lock()
	d.chans = append(d.chans, c)
	d.mu.Unlock()
}

func (d *Device) Channels() []Chan {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Chan(nil), d.chans...)
}

// RequestChannel hands out an unused channel accepted by the filter.
func (d *Device) RequestChannel(f Filter, param interface{}) (Chan, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.chans {
		if d.busy[c] {
			continue
		}
		if f == nil || f(c, param) {
			d.busy[c] = true
			return c, nil
		}
	}
	return nil, ErrNoChan
}

// ReleaseChannel returns a requested channel.
func (d *Device) ReleaseChannel(c Chan) {
	d.mu.Lock()
	delete(d.busy, c)
	d.mu.Unlock()
}

// ChanInfo is the conventional filter parameter: match by direction.
type ChanInfo struct {
	Dir Direction
}

// FilterDirection matches channels against a *ChanInfo parameter.
func FilterDirection(c Chan, param interface{}) bool {
	info, ok := param.(*ChanInfo)
	if !ok {
		return false
	}
	return c.Direction() == info.Dir
}
