// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package qdma

// QDMA global register space. Unlike XDMA's fixed per-channel ranges,
// QDMA is driven through global CSRs plus per-queue index registers.
const (
	// function id of the PF behind this register space, bits 7:0
	regGlbl2ChannelFuncRet = 0x12c
	funcIDMask             = 0xff

	// device type, bits 31:28
	regGlbl2MiscCap = 0x134
	devTypeMask     = 0xf0000000

	// DevCPM5 is the Versal CPM5 hard block.
	DevCPM5 = 0x2

	// CPM5 capability register, queue count in bits 11:0
	regCPM5GlblMultiqMax = 0x120
	multiqMaxMask        = 0xfff

	// global ring size CSR table, 16 consecutive registers
	regGlblRingSize = 0x204
	ringSizeNum     = 16

	// function map, one register per function: queue base in bits
	// 10:0, queue count in bits 23:11
	regFmapBase     = 0x400
	regFmapStep     = 0x4
	fmapQidBaseMask = 0x7ff
	fmapQidMaxMask  = 0xfff800

	// MM engine per channel control
	regMMControlH2C  = 0x1204
	regMMControlC2H  = 0x1244
	regMMControlStep = 0x10
	mmControlRun     = 1 << 0

	// per queue producer/consumer index registers
	regQueuePidxBase = 0x6400
	regQueueCidxBase = 0x6800
	regQueueStep     = 0x10

	// user interrupt enable, one bit per vector
	regUserIRQEnable = 0x20c0
)

// ringSizes is the global ring size CSR table programmed at bring up;
// queues pick a ring size by CSR index. Sizes count one reserved
// status slot.
var ringSizes = [ringSizeNum]uint32{
	2049, 65, 129, 193, 257, 385, 513, 769,
	1025, 1537, 3073, 4097, 6145, 8193, 12289, 16385,
}

// MM descriptor wire layout, little endian, 32 bytes:
//
//	src   u64
//	dst   u64
//	len   u32	28 bit length, same ceiling as XDMA
//	ctrl  u32	valid/sop/eop
//	rsvd  u64
const (
	mmDescSize = 32

	mmDescValid = 1 << 0
	mmDescSOP   = 1 << 1
	mmDescEOP   = 1 << 2

	descBlenBits = 28
)
