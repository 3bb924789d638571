// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package qdma

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/platinasystems/xrt/dma"
	"github.com/platinasystems/xrt/dmaengine"
)

// ringSizeIdx picks the default ring size CSR: index 0, 2049 entries
// with one reserved status slot.
const ringSizeIdx = 0

// descLenMax is the single descriptor transfer ceiling, shared with
// the XDMA engine.
var descLenMax = uint32(1<<descBlenBits) - uint32(os.Getpagesize())

// queue is one MM queue, a dmaengine channel. Queue ids interleave
// directions: H2C queue i is id 2i, C2H queue i is id 2i+1.
type queue struct {
	q    *QDMA
	id   int
	dir  dmaengine.Direction
	mem  *dma.Mem
	buf  []byte
	size int // usable descriptors
	cfg  dmaengine.SlaveConfig
}

func (q *QDMA) newQueue(chanIdx int, dir dmaengine.Direction) (*queue, error) {
	id := 2 * chanIdx
	if dir == dmaengine.DevToMem {
		id++
	}
	size := int(ringSizes[ringSizeIdx]) - 1
	mem, err := q.heap.Alloc(size*mmDescSize, mmDescSize)
	if err != nil {
		return nil, fmt.Errorf("queue %d: %w", id, err)
	}
	return &queue{
		q:    q,
		id:   id,
		dir:  dir,
		mem:  mem,
		buf:  mem.Bytes(),
		size: size,
	}, nil
}

func (qu *queue) Direction() dmaengine.Direction { return qu.dir }

func (qu *queue) Config(cfg dmaengine.SlaveConfig) error {
	if cfg.Direction != qu.dir {
		return fmt.Errorf("queue %d is %s: %w",
			qu.id, qu.dir, dmaengine.ErrBadConfig)
	}
	qu.cfg = cfg
	return nil
}

func (qu *queue) setDesc(i int, src, dst uint64, length, ctrl uint32) {
	b := qu.buf[i*mmDescSize:]
	binary.LittleEndian.PutUint64(b, src)
	binary.LittleEndian.PutUint64(b[8:], dst)
	binary.LittleEndian.PutUint32(b[16:], length)
	binary.LittleEndian.PutUint32(b[20:], ctrl)
}

func (qu *queue) descCtrl(i int) uint32 {
	return binary.LittleEndian.Uint32(qu.buf[i*mmDescSize+20:])
}

func (qu *queue) descLen(i int) uint32 {
	return binary.LittleEndian.Uint32(qu.buf[i*mmDescSize+16:])
}

// tx is one prepared queue submission.
type tx struct {
	qu    *queue
	count int
	bytes uint64
}

// PrepSlaveSG fills the queue's ring from the table, clamping entries
// to the descriptor length ceiling. The first descriptor carries SOP,
// the last EOP.
func (qu *queue) PrepSlaveSG(tbl dma.Table) (dmaengine.Tx, error) {
	if len(tbl) == 0 {
		return nil, fmt.Errorf("empty scatter-gather table: %w", ErrInval)
	}
	devAddr := qu.cfg.DevAddr
	var cur dma.Cursor
	var total uint64
	i := 0
	for ; i < qu.size && !cur.Done(tbl); i++ {
		ent := &tbl[cur.Ent]
		addr := ent.Addr + uint64(cur.Off)
		rest := uint32(ent.Len - cur.Off)
		var length uint32
		if rest > descLenMax {
			length = descLenMax
			cur.Off += int(descLenMax)
		} else {
			length = rest
			cur.Off = 0
			cur.Ent++
		}
		ctrl := uint32(mmDescValid)
		if i == 0 {
			ctrl |= mmDescSOP
		}
		src, dst := addr, devAddr
		if qu.dir == dmaengine.DevToMem {
			src, dst = devAddr, addr
		}
		qu.setDesc(i, src, dst, length, ctrl)
		devAddr += uint64(length)
		total += uint64(length)
	}
	if !cur.Done(tbl) {
		return nil, fmt.Errorf("queue %d: table needs more than %d descriptors: %w",
			qu.id, qu.size, ErrInval)
	}
	b := qu.buf[(i-1)*mmDescSize:]
	binary.LittleEndian.PutUint32(b[20:],
		binary.LittleEndian.Uint32(b[20:])|mmDescEOP)
	return &tx{qu: qu, count: i, bytes: total}, nil
}

func (qu *queue) pidxReg() uint32 {
	return uint32(regQueuePidxBase + qu.id*regQueueStep)
}

func (qu *queue) cidxReg() uint32 {
	return uint32(regQueueCidxBase + qu.id*regQueueStep)
}

// Submit publishes the producer index and polls the consumer index
// until the engine has drained the ring, then invalidates the used
// descriptors.
func (t *tx) Submit(ctx context.Context) error {
	qu := t.qu
	if err := qu.q.regs.Write32(qu.pidxReg(), uint32(t.count)); err != nil {
		return err
	}
	if err := monitorReg(ctx, qu.q.regs, qu.cidxReg(),
		0xffff, uint32(t.count)); err != nil {
		return fmt.Errorf("queue %d: %w", qu.id, err)
	}
	for i := 0; i < t.count; i++ {
		qu.setDesc(i, 0, 0, 0, 0)
	}
	// Reset the indices so the ring restarts from slot zero.
	if err := qu.q.regs.Write32(qu.pidxReg(), 0); err != nil {
		return err
	}
	return qu.q.regs.Write32(qu.cidxReg(), 0)
}
