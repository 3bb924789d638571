// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package xdma drives the Xilinx XDMA scatter-gather engine: channel
// discovery, descriptor ring management, transfer submission and
// interrupt driven completion.
package xdma

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/platinasystems/log"
	"github.com/platinasystems/xrt/dma"
	"github.com/platinasystems/xrt/hw"
	"github.com/platinasystems/xrt/metadata"
	"github.com/platinasystems/xrt/xdevice"
)

var (
	ErrTimeout       = errors.New("request timed out")
	ErrCountMismatch = errors.New("completed descriptor count mismatch")
	ErrInval         = errors.New("invalid argument")
	ErrNotSupported  = errors.New("stream channel not supported")
)

// requestMaxWait bounds the completion wait of one hardware
// submission. A submission that outlives it is a hardware fault.
var requestMaxWait = 10 * time.Second

// XDMA is one probed DMA engine instance.
type XDMA struct {
	dev      *xdevice.Device
	regs     hw.Map
	heap     *dma.Heap
	channels []*channel
	h2c      chanInfo
	c2h      chanInfo
}

// Request is one logical transfer: a scatter-gather table moved to or
// from a card side address. The cursor tracks resumption across
// hardware submissions when the table needs more descriptors than one
// ring holds.
type Request struct {
	Dir          Direction
	EndpointAddr uint64
	Table        dma.Table

	cur dma.Cursor
}

// New probes the engine behind the device's first register resource:
// scans the channel identifier space, brings up each valid channel's
// descriptor ring and interrupt, and programs the IRQ block's channel
// vector table.
func New(dev *xdevice.Device) (*XDMA, error) {
	regs, err := dev.Regs(0)
	if err != nil {
		return nil, err
	}
	heap := dev.DMA()
	if heap == nil {
		return nil, fmt.Errorf("%s: no coherent heap: %w", dev.Name, ErrInval)
	}
	x := &XDMA{dev: dev, regs: regs, heap: heap}

	for i := 0; i < MaxChannelNum; i++ {
		// One channel failing to probe does not abort the rest.
		if err := x.probeChannel(uint32(ChannelRange * i)); err != nil &&
			!errors.Is(err, errNoEngine) {
			log.Printf("err channel at %#x: %v", ChannelRange*i, err)
		}
	}
	if x.h2c.num == 0 {
		x.cleanupChannels()
		return nil, fmt.Errorf("%s: no h2c channel found", dev.Name)
	}
	if x.c2h.num == 0 {
		x.cleanupChannels()
		return nil, fmt.Errorf("%s: no c2h channel found", dev.Name)
	}

	if err := x.initIRQVectors(); err != nil {
		x.cleanupChannels()
		return nil, err
	}

	x.c2h.startIndex = x.h2c.num
	x.h2c.init()
	x.c2h.init()
	return x, nil
}

// errNoEngine marks a scanned register slot with no engine behind it.
var errNoEngine = errors.New("no engine at this base")

func (x *XDMA) probeChannel(base uint32) error {
	identifier, err := x.regs.Read32(base + regIdentifier)
	if err != nil {
		return fmt.Errorf("read identifier: %w", err)
	}
	if hw.FieldGet(idSubsystemMask, identifier) != SubsystemID {
		return errNoEngine
	}
	if identifier&idStreamBit != 0 {
		return ErrNotSupported
	}

	ch := &channel{
		base:  base,
		id:    hw.FieldGet(idChannelMask, identifier),
		compl: make(chan struct{}, 1),
	}
	index := x.h2c.num + x.c2h.num
	var ci *chanInfo
	switch hw.FieldGet(idTargetMask, identifier) {
	case TargetH2CChannel:
		ch.h2c = true
		ci = &x.h2c
		if int(ch.id) != ci.num {
			log.Printf("err invalid id %d for H2C channel %d", ch.id, index)
		}
		ch.name = fmt.Sprintf("xrt_xdma_channel_h2c%d", ci.num)
	case TargetC2HChannel:
		ci = &x.c2h
		if int(ch.id) != ci.num {
			log.Printf("err invalid id %d for C2H channel %d", ch.id, index)
		}
		ch.name = fmt.Sprintf("xrt_xdma_channel_c2h%d", ci.num)
	default:
		return fmt.Errorf("identifier %#x: bad channel target: %w",
			identifier, ErrInval)
	}

	ch.ring, err = newRing(x.heap)
	if err != nil {
		return err
	}

	for _, w := range []struct {
		off uint32
		val uint32
	}{
		{base + regControlW1C, CtrlNonIncrAddr},
		{base + regInterruptEn, ieDefault},
		{base + regDescLo, uint32(ch.ring.bus())},
		{base + regDescHi, uint32(ch.ring.bus() >> 32)},
	} {
		if err = x.regs.Write32(w.off, w.val); err != nil {
			return err
		}
	}

	if err = x.dev.RequestIRQ(index, func(*xdevice.Device) {
		// Interrupt context: only signal the waiter.
		select {
		case ch.compl <- struct{}{}:
		default:
		}
	}); err != nil {
		return fmt.Errorf("request interrupt: %w", err)
	}
	ch.irq = index

	// Commit only now, so a failed probe leaves no phantom channel
	// behind the registry's counters.
	ci.bitmap |= 1 << ch.id
	ci.num++
	x.channels = append(x.channels, ch)
	return nil
}

// initIRQVectors packs the channel interrupt vector table, four 8-bit
// vectors per register, byte swapped on the wire, and enables every
// channel's interrupt.
func (x *XDMA) initIRQVectors() error {
	num := x.h2c.num + x.c2h.num
	val := uint32(0)
	for i := 0; i < num; i++ {
		val = val<<8 | uint32(i)
		if i%4 == 3 {
			off := uint32(regIRQChannelVec + i&^3)
			if err := x.regs.Write32(off, bits.ReverseBytes32(val)); err != nil {
				return fmt.Errorf("init channel vector: %w", err)
			}
			val = 0
		}
		if err := x.regs.Write32(regIRQChannelEnW1S, 1<<uint(i)); err != nil {
			return fmt.Errorf("enable channel interrupt: %w", err)
		}
	}
	if num%4 != 0 {
		val <<= 8 * uint(4-num%4)
		off := uint32(regIRQChannelVec + num&^3)
		if err := x.regs.Write32(off, bits.ReverseBytes32(val)); err != nil {
			return fmt.Errorf("init channel vector: %w", err)
		}
	}
	return nil
}

func (x *XDMA) cleanupChannel(ch *channel) {
	if err := x.regs.Write32(ch.base+regInterruptEn, 0); err != nil {
		log.Print("err ", ch.name, ": clear interrupt enable: ", err)
	}
	if err := x.dev.FreeIRQ(ch.irq); err != nil {
		log.Print("err ", ch.name, ": free interrupt: ", err)
	}
	// Ring memory goes back with the heap at device teardown; the
	// bump allocator has no per allocation free.
}

func (x *XDMA) cleanupChannels() {
	for i, ch := range x.channels {
		if err := x.regs.Write32(regIRQChannelEnW1C, 1<<uint(i)); err != nil {
			log.Print("err ", ch.name, ": disable channel interrupt: ", err)
		}
		x.cleanupChannel(ch)
	}
	x.channels = nil
}

func (x *XDMA) info(dir Direction) *chanInfo {
	if dir == ToDevice {
		return &x.h2c
	}
	return &x.c2h
}

// regDump logs the channel's registers; called on completion timeout
// so the fault is diagnosable postmortem.
func (x *XDMA) regDump(ch *channel) {
	name := fmt.Sprintf("C2H-%d", ch.id)
	if ch.h2c {
		name = fmt.Sprintf("H2C-%d", ch.id)
	}
	log.Printf("%s: base: 0x%08x", name, ch.base)
	for _, r := range []struct {
		what string
		off  uint32
	}{
		{"id", regIdentifier},
		{"status", regStatus},
		{"completed desc", regComplCount},
		{"interrupt", regInterruptEn},
	} {
		v, err := x.regs.Read32(ch.base + r.off)
		if err != nil {
			log.Printf("err %s: %s: %v", name, r.what, err)
			continue
		}
		log.Printf("%s: %s: 0x%08x", name, r.what, v)
	}
}

// start converts the request's remaining scatter-gather entries into
// descriptors, up to the ring's capacity, and kicks the hardware. The
// request's cursor is advanced in place; the return value is the
// number of bytes described by this submission.
func (x *XDMA) start(ch *channel, req *Request, devAddr uint64) (uint64, error) {
	var total uint64
	i := 0
	for ; i < DescNum && !req.cur.Done(req.Table); i++ {
		ent := &req.Table[req.cur.Ent]
		addr := ent.Addr + uint64(req.cur.Off)
		rest := uint32(ent.Len - req.cur.Off)
		var length uint32
		if rest > DescBlenMax {
			length = DescBlenMax
			req.cur.Off += int(DescBlenMax)
		} else {
			length = rest
			req.cur.Off = 0
			req.cur.Ent++
		}
		ch.ring.set(i, ch.h2c, addr, devAddr, length)
		devAddr += uint64(length)
		total += uint64(length)
	}
	ch.ring.setLast(i)
	ch.submitted = i

	if err := x.regs.Write32(ch.base+regInterruptEn, ieDefault); err != nil {
		return 0, fmt.Errorf("set interrupt enable: %w", err)
	}
	adjacent := uint32(i)
	if i >= DescAdjacent {
		adjacent = DescAdjacent
	}
	if err := x.regs.Write32(ch.base+regDescAdjacent, adjacent-1); err != nil {
		return 0, fmt.Errorf("set descriptor adjacent: %w", err)
	}
	// Drop any stale completion signal before arming the engine, so
	// a spurious earlier interrupt cannot satisfy this submission.
	select {
	case <-ch.compl:
	default:
	}
	if err := x.regs.Write32(ch.base+regControl, CtrlStart); err != nil {
		return 0, fmt.Errorf("start DMA: %w", err)
	}
	return total, nil
}

// complete waits for the channel interrupt, validates the completed
// descriptor count against what was submitted, restores the ring and
// quiesces the engine.
func (x *XDMA) complete(ch *channel) error {
	var err error

	t := time.NewTimer(requestMaxWait)
	select {
	case <-ch.compl:
		t.Stop()
	case <-t.C:
		log.Print("err ", ch.name, ": wait for request timed out")
		x.regDump(ch)
		err = fmt.Errorf("%s: %w", ch.name, ErrTimeout)
	}

	if err == nil {
		val, rerr := x.regs.Read32(ch.base + regComplCount)
		if rerr != nil {
			err = fmt.Errorf("%s: read completed count: %w", ch.name, rerr)
		} else if int(val) != ch.submitted {
			err = fmt.Errorf("%s: completed %d, submitted %d: %w",
				ch.name, val, ch.submitted, ErrCountMismatch)
		}
	}

	ch.ring.clearLast(ch.submitted)

	// Clear the sticky status bits and stop the engine even on the
	// error paths, so the channel is quiet before release.
	if _, rerr := x.regs.Read32(ch.base + regStatusRC); rerr != nil {
		log.Print("err ", ch.name, ": read status: ", rerr)
	}
	if werr := x.regs.Write32(ch.base+regControlW1C, CtrlRunStop); werr != nil {
		log.Print("err ", ch.name, ": stop engine: ", werr)
	}
	return err
}

// Submit runs the whole request, acquiring one channel of the
// request's direction and resubmitting until the scatter-gather table
// is consumed. The channel is held across resubmissions and always
// released.
func (x *XDMA) Submit(ctx context.Context, req *Request) error {
	if len(req.Table) == 0 {
		return fmt.Errorf("empty scatter-gather table: %w", ErrInval)
	}
	ci := x.info(req.Dir)
	index, err := ci.acquire(ctx)
	if err != nil {
		return err
	}
	ch := x.channels[index]
	if ch.h2c != (req.Dir == ToDevice) {
		// Registry handed out a channel of the wrong direction;
		// this is a bookkeeping bug, not a caller error.
		ci.release(index)
		return fmt.Errorf("%s: direction mismatch: %w", ch.name, ErrInval)
	}

	req.cur = dma.Cursor{}
	var done uint64
	for !req.cur.Done(req.Table) && err == nil {
		var n uint64
		n, err = x.start(ch, req, req.EndpointAddr+done)
		if err != nil {
			break
		}
		done += n
		err = x.complete(ch)
	}
	if rerr := ci.release(index); rerr != nil {
		log.Print("err ", ch.name, ": ", rerr)
	}
	if err != nil {
		return fmt.Errorf("%s %s at %#x: %w",
			req.Dir, ch.name, req.EndpointAddr, err)
	}
	return nil
}

// Read moves data from the card address into the table's segments.
func (x *XDMA) Read(ctx context.Context, devAddr uint64, tbl dma.Table) error {
	return x.Submit(ctx, &Request{
		Dir:          FromDevice,
		EndpointAddr: devAddr,
		Table:        tbl,
	})
}

// Write moves the table's segments to the card address.
func (x *XDMA) Write(ctx context.Context, devAddr uint64, tbl dma.Table) error {
	return x.Submit(ctx, &Request{
		Dir:          ToDevice,
		EndpointAddr: devAddr,
		Table:        tbl,
	})
}

// Channels reports the number of probed channels per direction.
func (x *XDMA) Channels() (h2c, c2h int) { return x.h2c.num, x.c2h.num }

// Driver binds XDMA engines to their metadata endpoint.
type Driver struct{}

func (Driver) Name() string        { return "xrt_xdma" }
func (Driver) Endpoints() []string { return []string{metadata.NodeXDMA} }

func (Driver) Probe(dev *xdevice.Device) error {
	x, err := New(dev)
	if err != nil {
		return err
	}
	dev.SetDrvData(x)
	return nil
}

func (Driver) Remove(dev *xdevice.Device) {
	if x, ok := dev.DrvData().(*XDMA); ok && x != nil {
		x.cleanupChannels()
	}
}
