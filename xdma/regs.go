// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package xdma

// The registers must be accessed using 32-bit (PCI DWORD) read/writes.
// XDMA spec:
// https://www.xilinx.com/support/documentation/ip_documentation/xdma/v4_1/pg195-pcie-dma.pdf
//
// H2C: host to card. C2H: card to host.

const (
	MaxChannelNum = 32

	SubsystemID = 0x1fc

	TargetRange = 0x1000
)

// register targets, one 4KB range each
const (
	TargetH2CChannel = iota
	TargetC2HChannel
	TargetIRQ
	TargetConfig
	TargetH2CDMA
	TargetC2HDMA
	TargetCommonDMA
	TargetMSIX = 0x8
)

// maximum amount of register space to map
const MaxRegisterRange = TargetRange * TargetMSIX

// channel registers
// w1s: Write 1 to Set
// w1c: Write 1 to Clear
const (
	ChannelRange = 0x100

	regIdentifier  = 0x0
	regControl     = 0x4
	regControlW1S  = 0x8
	regControlW1C  = 0xc
	regStatus      = 0x40
	regStatusRC    = 0x44
	regComplCount  = 0x48
	regInterruptEn = 0x90
)

// SGDMA registers, per channel, one target range above the channel
const (
	dmaOffset       = 0x4000
	regDescLo       = dmaOffset + 0x80
	regDescHi       = dmaOffset + 0x84
	regDescAdjacent = dmaOffset + 0x88
)

// channel identifier register fields
const (
	idSubsystemMask = 0xfff00000
	idTargetMask    = 0x000f0000
	idStreamBit     = 0x00080000
	idChannelMask   = 0x00000f00
)

// bits of channel control register
const (
	CtrlRunStop             = 1 << 0
	CtrlIEDescStopped       = 1 << 1
	CtrlIEDescCompleted     = 1 << 2
	CtrlIEDescAlignMismatch = 1 << 3
	CtrlIEMagicStopped      = 1 << 4
	CtrlIEIdleStopped       = 1 << 6
	CtrlIEReadError         = 0x1f << 9
	CtrlIEDescError         = 0x1f << 19
	CtrlNonIncrAddr         = 1 << 25
	CtrlPollModeWB          = 1 << 26

	CtrlStart = CtrlRunStop | CtrlIEReadError | CtrlIEDescError |
		CtrlIEDescAlignMismatch | CtrlIEDescStopped | CtrlIEDescCompleted
)

// bits of interrupt enable register
const (
	ieDescStopped       = 1 << 1
	ieDescCompleted     = 1 << 2
	ieDescAlignMismatch = 1 << 3
	ieMagicStopped      = 1 << 4
	ieIdleStopped       = 1 << 6
	ieReadError         = 0x1f << 9
	ieDescError         = 0x1f << 19

	ieDefault = ieDescAlignMismatch | ieDescCompleted | ieMagicStopped |
		ieReadError | ieDescError | ieDescStopped
)

// IRQ block registers
const (
	irqBlockBase       = 0x2000
	regIRQChannelEnW1S = irqBlockBase + 0x14
	regIRQChannelEnW1C = irqBlockBase + 0x18
	regIRQUserVec      = irqBlockBase + 0x80
	regIRQChannelVec   = irqBlockBase + 0xa0
)
