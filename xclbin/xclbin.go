// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package xclbin parses the axlf container format used to ship Alveo
// device images: a fixed file header followed by section headers that
// point at the section payloads.
package xclbin

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	uuid "github.com/satori/go.uuid"
)

// Kind identifies an axlf section type.
type Kind uint32

const (
	Bitstream Kind = iota
	ClearingBitstream
	EmbeddedMetadata
	Firmware
	DebugData
	SchedFirmware
	MemTopology
	Connectivity
	IPLayout
	DebugIPLayout
	DesignCheckPoint
	ClockFreqTopology
	MCS
	BMC
	BuildMetadata
	KeyValueMetadata
	UserMetadata
	DNACertificate
	PDI
	BitstreamPartialPDI
	PartitionMetadata
	EmulationData
	SystemMetadata
	SoftKernel
	AskFlash
	AIEMetadata
	AskGroupTopology
	AskGroupConnectivity
)

const (
	magic = "xclbin2\x00"

	// File header geometry. All fields little endian, packed.
	hdrOff       = 304
	hdrLength    = hdrOff + 0
	hdrTimeStamp = hdrOff + 8
	hdrROMTime   = hdrOff + 16
	hdrPatch     = hdrOff + 24
	hdrMajor     = hdrOff + 26
	hdrMinor     = hdrOff + 27
	hdrMode      = hdrOff + 28
	hdrVBNV      = hdrOff + 48
	hdrUUID      = hdrOff + 112
	hdrSections  = hdrOff + 144
	sectionsOff  = hdrOff + 152

	sectionHdrSize = 40

	// maxSize caps the declared file length; anything larger is a
	// corrupt or hostile image.
	maxSize = 1024 * 1024 * 1024

	// maxMetadataSize bounds the partition metadata DTB.
	maxMetadataSize = 64 * 1024 * 1024
)

var (
	ErrMagic     = errors.New("bad xclbin magic")
	ErrTruncated = errors.New("truncated xclbin")
	ErrNoSection = errors.New("no such section")
)

// Section is one parsed section header with its payload.
type Section struct {
	Kind Kind
	Name string
	Data []byte
}

// Image is a parsed axlf container. The section payloads alias the
// buffer passed to Parse.
type Image struct {
	Length      uint64
	TimeStamp   uint64
	ROMTime     uint64
	Major       uint8
	Minor       uint8
	Patch       uint16
	Mode        uint32
	VBNV        string
	UUID        uuid.UUID
	NumSections uint32

	buf      []byte
	sections []Section
}

// Parse validates the file header and all section headers of an axlf
// image. Section payloads are bounds checked against the declared file
// length.
func Parse(b []byte) (*Image, error) {
	if len(b) < sectionsOff {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	if string(b[:len(magic)]) != magic {
		return nil, ErrMagic
	}
	img := &Image{
		Length:      binary.LittleEndian.Uint64(b[hdrLength:]),
		TimeStamp:   binary.LittleEndian.Uint64(b[hdrTimeStamp:]),
		ROMTime:     binary.LittleEndian.Uint64(b[hdrROMTime:]),
		Patch:       binary.LittleEndian.Uint16(b[hdrPatch:]),
		Major:       b[hdrMajor],
		Minor:       b[hdrMinor],
		Mode:        binary.LittleEndian.Uint32(b[hdrMode:]),
		NumSections: binary.LittleEndian.Uint32(b[hdrSections:]),
		buf:         b,
	}
	img.VBNV = cstr(b[hdrVBNV : hdrVBNV+64])
	u, err := uuid.FromBytes(b[hdrUUID : hdrUUID+16])
	if err != nil {
		return nil, err
	}
	img.UUID = u
	if img.Length > maxSize {
		return nil, fmt.Errorf("xclbin length %d exceeds limit", img.Length)
	}
	if img.Length > uint64(len(b)) {
		return nil, fmt.Errorf("%w: header says %d, have %d",
			ErrTruncated, img.Length, len(b))
	}
	end := sectionsOff + int(img.NumSections)*sectionHdrSize
	if end > len(b) {
		return nil, fmt.Errorf("%w: section headers", ErrTruncated)
	}
	for i := 0; i < int(img.NumSections); i++ {
		h := b[sectionsOff+i*sectionHdrSize:]
		off := binary.LittleEndian.Uint64(h[24:])
		size := binary.LittleEndian.Uint64(h[32:])
		// Subtraction form: off+size could wrap for a hostile header.
		if size == 0 || off > img.Length || size > img.Length-off {
			return nil, fmt.Errorf("section %d: bad extent [%#x,+%#x)",
				i, off, size)
		}
		img.sections = append(img.sections, Section{
			Kind: Kind(binary.LittleEndian.Uint32(h)),
			Name: cstr(h[4:20]),
			Data: b[off : off+size],
		})
	}
	return img, nil
}

func cstr(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// Sections returns all parsed sections in file order.
func (img *Image) Sections() []Section { return img.sections }

// Section returns the payload of the first section of the given kind.
func (img *Image) Section(kind Kind) ([]byte, error) {
	for i := range img.sections {
		if img.sections[i].Kind == kind {
			return img.sections[i].Data, nil
		}
	}
	return nil, fmt.Errorf("kind %d: %w", kind, ErrNoSection)
}

// Metadata returns the partition metadata DTB carried by the image.
func (img *Image) Metadata() ([]byte, error) {
	b, err := img.Section(PartitionMetadata)
	if err != nil {
		return nil, err
	}
	if len(b) > maxMetadataSize {
		return nil, fmt.Errorf("metadata section %d bytes exceeds limit",
			len(b))
	}
	return b, nil
}
