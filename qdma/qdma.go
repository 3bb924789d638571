// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package qdma drives the multi-queue QDMA/MQDMA engine: global CSR
// bring up, function map programming and memory-mapped (MM) transfer
// queues plugged into the dmaengine framework. Descriptor ring
// behavior follows the XDMA engine's design.
package qdma

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"
	"github.com/platinasystems/xrt/dma"
	"github.com/platinasystems/xrt/dmaengine"
	"github.com/platinasystems/xrt/hw"
	"github.com/platinasystems/xrt/metadata"
	"github.com/platinasystems/xrt/xdevice"
)

var (
	ErrPollTimeout = errors.New("register poll timed out")
	ErrNoQueues    = errors.New("device reports no queues")
	ErrInval       = errors.New("invalid argument")
)

// PlatData configures the engine at probe time; it rides on the
// device's platform data.
type PlatData struct {
	// MaxChannels bounds the MM channels brought up per direction.
	MaxChannels int
}

// QDMA is one probed multi-queue engine.
type QDMA struct {
	dev  *xdevice.Device
	regs hw.Map
	heap *dma.Heap

	FuncID    uint32
	DevType   uint32
	MaxQueues int

	engine *dmaengine.Device
	queues []*queue
}

// monitorReg polls the register until the masked value matches, with
// an exponentially backed off poll interval, until the context is
// done.
func monitorReg(ctx context.Context, m hw.Map, off, mask, want uint32) error {
	b := &backoff.Backoff{
		Min:    10 * time.Microsecond,
		Max:    10 * time.Millisecond,
		Factor: 2,
		Jitter: false,
	}
	for {
		v, err := m.Read32(off)
		if err != nil {
			return err
		}
		if v&mask == want {
			return nil
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return fmt.Errorf("register %#x: %w", off, ErrPollTimeout)
		}
	}
}

// New brings the engine up: discovers the function id, device type and
// queue capacity, programs the global ring size CSRs and the
// function's queue map, and starts the MM channels.
func New(dev *xdevice.Device) (*QDMA, error) {
	regs, err := dev.Regs(0)
	if err != nil {
		return nil, err
	}
	heap := dev.DMA()
	if heap == nil {
		return nil, fmt.Errorf("%s: no coherent heap: %w", dev.Name, ErrInval)
	}
	maxChans := 1
	if pd, ok := dev.PlatformData().(*PlatData); ok && pd.MaxChannels > 0 {
		maxChans = pd.MaxChannels
	}
	q := &QDMA{dev: dev, regs: regs, heap: heap}

	v, err := regs.Read32(regGlbl2ChannelFuncRet)
	if err != nil {
		return nil, err
	}
	q.FuncID = hw.FieldGet(funcIDMask, v)

	v, err = regs.Read32(regGlbl2MiscCap)
	if err != nil {
		return nil, err
	}
	q.DevType = hw.FieldGet(devTypeMask, v)

	if q.DevType == DevCPM5 {
		v, err = regs.Read32(regCPM5GlblMultiqMax)
		if err != nil {
			return nil, err
		}
		q.MaxQueues = int(hw.FieldGet(multiqMaxMask, v))
	} else {
		q.MaxQueues = 512
	}
	if q.MaxQueues == 0 {
		return nil, fmt.Errorf("%s: %w", dev.Name, ErrNoQueues)
	}
	if 2*maxChans > q.MaxQueues {
		maxChans = q.MaxQueues / 2
	}

	for i, sz := range ringSizes {
		if err = regs.Write32(uint32(regGlblRingSize+4*i), sz); err != nil {
			return nil, fmt.Errorf("ring size csr %d: %w", i, err)
		}
	}

	// Function map: this function owns queues [0, 2*maxChans).
	fmap := hw.FieldPrep(fmapQidBaseMask, 0) |
		hw.FieldPrep(fmapQidMaxMask, uint32(2*maxChans))
	off := uint32(regFmapBase + regFmapStep*q.FuncID)
	if err = regs.Write32(off, fmap); err != nil {
		return nil, fmt.Errorf("fmap: %w", err)
	}

	q.engine = dmaengine.NewDevice(dev.Name)
	for i := 0; i < maxChans; i++ {
		for _, dir := range []dmaengine.Direction{
			dmaengine.MemToDev, dmaengine.DevToMem,
		} {
			qu, err := q.newQueue(i, dir)
			if err != nil {
				return nil, err
			}
			q.queues = append(q.queues, qu)
			q.engine.AddChannel(qu)
		}
	}

	// Start the MM engines once the queues exist.
	for i := 0; i < maxChans; i++ {
		for _, base := range []uint32{regMMControlH2C, regMMControlC2H} {
			off := base + uint32(i)*regMMControlStep
			if err = regs.Write32(off, mmControlRun); err != nil {
				return nil, fmt.Errorf("mm control: %w", err)
			}
		}
	}

	log.Printf("daemon %s: qdma function %d type %#x, %d queues",
		dev.Name, q.FuncID, q.DevType, q.MaxQueues)
	return q, nil
}

// Engine exposes the dmaengine device for channel requests.
func (q *QDMA) Engine() *dmaengine.Device { return q.engine }

// EnableUserIRQ sets the user interrupt vector's enable bit.
func (q *QDMA) EnableUserIRQ(vec int) error {
	v, err := q.regs.Read32(regUserIRQEnable)
	if err != nil {
		return err
	}
	return q.regs.Write32(regUserIRQEnable, v|1<<uint(vec))
}

// DisableUserIRQ clears the user interrupt vector's enable bit.
func (q *QDMA) DisableUserIRQ(vec int) error {
	v, err := q.regs.Read32(regUserIRQEnable)
	if err != nil {
		return err
	}
	return q.regs.Write32(regUserIRQEnable, v&^(1<<uint(vec)))
}

func (q *QDMA) stop() {
	for i := 0; i < len(q.queues)/2; i++ {
		for _, base := range []uint32{regMMControlH2C, regMMControlC2H} {
			off := base + uint32(i)*regMMControlStep
			if err := q.regs.Write32(off, 0); err != nil {
				log.Print("err ", q.dev.Name, ": stop mm channel: ", err)
			}
		}
	}
}

// Driver binds QDMA engines to their metadata endpoint.
type Driver struct{}

func (Driver) Name() string        { return "xrt_qdma" }
func (Driver) Endpoints() []string { return []string{metadata.NodeQDMA} }

func (Driver) Probe(dev *xdevice.Device) error {
	q, err := New(dev)
	if err != nil {
		return err
	}
	dev.SetDrvData(q)
	return nil
}

func (Driver) Remove(dev *xdevice.Device) {
	if q, ok := dev.DrvData().(*QDMA); ok && q != nil {
		q.stop()
	}
}
