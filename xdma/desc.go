// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package xdma

import (
	"encoding/binary"
	"os"

	"github.com/platinasystems/xrt/dma"
)

// Each descriptor describes a single contiguous memory block transfer.
// Descriptors are chained by the next pointer; the adjacent count in
// the control word tells the engine how many extra contiguous
// descriptors follow before the next pointer must be fetched.
//
// Wire layout, all fields little endian:
//
//	control    u32
//	bytes      u32	transfer length in bytes
//	src_addr   u64	as lo/hi u32 pair
//	dst_addr   u64	as lo/hi u32 pair
//	next       u64	bus address of next descriptor, as lo/hi u32 pair
const (
	descSize = 32

	descBlockShift    = 5
	DescAdjacent      = 1 << descBlockShift
	DescBlockNum      = 128
	DescNum           = DescBlockNum * DescAdjacent
	descMagic         = 0xad4b
	descMagicShift    = 16
	descAdjacentShift = 8

	// bits of the SGDMA descriptor control field
	descStopped   = 1 << 0
	descCompleted = 1 << 1

	descBlenBits = 28
)

// DescBlenMax is the maximum transfer size of a single descriptor.
var DescBlenMax = uint32(1<<descBlenBits) - uint32(os.Getpagesize())

func descControl(adjacent, flag uint32) uint32 {
	return descMagic<<descMagicShift | (adjacent-1)<<descAdjacentShift | flag
}

// ring is a channel's descriptor pool: DescBlockNum blocks of
// DescAdjacent descriptors in one coherent allocation, linked once at
// bring up and overwritten in place for every transfer.
type ring struct {
	mem *dma.Mem
	buf []byte
}

// newRing allocates and pre-links the pool. Block boundary descriptors
// get a full adjacent count and the bus address of the following
// block; the final block links back to the start so the chain is
// circular regardless of where a transfer ends.
func newRing(heap *dma.Heap) (*ring, error) {
	mem, err := heap.Alloc(DescNum*descSize, descSize)
	if err != nil {
		return nil, err
	}
	r := &ring{mem: mem, buf: mem.Bytes()}
	for i := 0; i < DescBlockNum; i++ {
		for j := 0; j < DescAdjacent-1; j++ {
			r.setControl(i*DescAdjacent+j, descControl(1, 0))
		}
		last := i*DescAdjacent + DescAdjacent - 1
		next := mem.Bus() +
			uint64((i+1)%DescBlockNum)*DescAdjacent*descSize
		r.setControl(last, descControl(DescAdjacent, 0))
		r.setNext(last, next)
	}
	return r, nil
}

func (r *ring) bus() uint64 { return r.mem.Bus() }

func (r *ring) setControl(i int, v uint32) {
	binary.LittleEndian.PutUint32(r.buf[i*descSize:], v)
}

func (r *ring) control(i int) uint32 {
	return binary.LittleEndian.Uint32(r.buf[i*descSize:])
}

func (r *ring) bytes(i int) uint32 {
	return binary.LittleEndian.Uint32(r.buf[i*descSize+4:])
}

func (r *ring) src(i int) uint64 {
	lo := binary.LittleEndian.Uint32(r.buf[i*descSize+8:])
	hi := binary.LittleEndian.Uint32(r.buf[i*descSize+12:])
	return uint64(hi)<<32 | uint64(lo)
}

func (r *ring) dst(i int) uint64 {
	lo := binary.LittleEndian.Uint32(r.buf[i*descSize+16:])
	hi := binary.LittleEndian.Uint32(r.buf[i*descSize+20:])
	return uint64(hi)<<32 | uint64(lo)
}

func (r *ring) next(i int) uint64 {
	lo := binary.LittleEndian.Uint32(r.buf[i*descSize+24:])
	hi := binary.LittleEndian.Uint32(r.buf[i*descSize+28:])
	return uint64(hi)<<32 | uint64(lo)
}

func (r *ring) setNext(i int, addr uint64) {
	binary.LittleEndian.PutUint32(r.buf[i*descSize+24:], uint32(addr))
	binary.LittleEndian.PutUint32(r.buf[i*descSize+28:], uint32(addr>>32))
}

// set fills descriptor i for one transfer segment. hostAddr is the
// scatter-gather segment's bus address; devAddr is the card side
// address. h2c puts host on the source side, c2h the reverse.
func (r *ring) set(i int, h2c bool, hostAddr, devAddr uint64, length uint32) {
	b := r.buf[i*descSize:]
	binary.LittleEndian.PutUint32(b[4:], length)
	src, dst := hostAddr, devAddr
	if !h2c {
		src, dst = devAddr, hostAddr
	}
	binary.LittleEndian.PutUint32(b[8:], uint32(src))
	binary.LittleEndian.PutUint32(b[12:], uint32(src>>32))
	binary.LittleEndian.PutUint32(b[16:], uint32(dst))
	binary.LittleEndian.PutUint32(b[20:], uint32(dst>>32))
}

// boundary returns the index of the block boundary descriptor that
// precedes a submission of n descriptors, or -1 when the submission
// fits one block or ends exactly on a block boundary.
func boundary(n int) int {
	if n > DescAdjacent && n&(DescAdjacent-1) > 0 {
		return n&^(DescAdjacent-1) - 1
	}
	return -1
}

// setLast marks descriptor n-1 as the terminal descriptor of an n
// descriptor submission. The preceding block boundary descriptor, if
// any, gets its adjacent count trimmed so the engine cannot walk past
// the terminal into stale descriptors from an earlier, larger
// submission.
func (r *ring) setLast(n int) {
	if b := boundary(n); b >= 0 {
		r.setControl(b, descControl(uint32(n&(DescAdjacent-1)), 0))
	}
	r.setControl(n-1, r.control(n-1)|descStopped|descCompleted)
}

// clearLast undoes setLast once the submission completed, restoring
// the pre-linked ring state.
func (r *ring) clearLast(n int) {
	if b := boundary(n); b >= 0 {
		r.setControl(b, descControl(DescAdjacent, 0))
	}
	r.setControl(n-1, r.control(n-1)&^uint32(descStopped|descCompleted))
}
