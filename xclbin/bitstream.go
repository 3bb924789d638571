// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package xclbin

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Xilinx .bit files carry a big endian header in front of the raw
// bitstream: a magic preamble, then 'a'..'d' prefixed strings naming
// the design, part, build date and time, then an 'e' prefixed length.
const (
	bitEvenMagic = 0x0f
	bitOddMagic  = 0xf0
)

// BitstreamHeader is the decoded header of a .bit format bitstream.
type BitstreamHeader struct {
	DesignName      string
	Version         string
	PartName        string
	Date            string
	Time            string
	BitstreamLength uint32
	HeaderLength    uint32
}

type bitReader struct {
	b   []byte
	off uint32
}

func (r *bitReader) u16() (uint16, error) {
	if int(r.off)+2 > len(r.b) {
		return 0, fmt.Errorf("bitstream header: %w", ErrTruncated)
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *bitReader) u32() (uint32, error) {
	if int(r.off)+4 > len(r.b) {
		return 0, fmt.Errorf("bitstream header: %w", ErrTruncated)
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *bitReader) str(prefix byte) (string, error) {
	if int(r.off)+3 > len(r.b) {
		return "", fmt.Errorf("bitstream header: %w", ErrTruncated)
	}
	if r.b[r.off] != prefix {
		return "", fmt.Errorf("bitstream header: want %q field, got %q",
			prefix, r.b[r.off])
	}
	r.off++
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if int(r.off)+int(n) > len(r.b) {
		return "", fmt.Errorf("bitstream header: %w", ErrTruncated)
	}
	s := r.b[r.off : r.off+uint32(n)]
	if n == 0 || s[n-1] != 0 {
		return "", fmt.Errorf("bitstream header: %q field not terminated",
			prefix)
	}
	r.off += uint32(n)
	return string(s[:n-1]), nil
}

// ParseBitstreamHeader decodes the header of a .bit format bitstream.
func ParseBitstreamHeader(b []byte) (*BitstreamHeader, error) {
	r := &bitReader{b: b}
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if int(r.off)+int(n) > len(b) {
		return nil, fmt.Errorf("bitstream header: %w", ErrTruncated)
	}
	for i := 0; i < int(n)-1; i++ {
		c := b[r.off]
		r.off++
		if i%2 == 0 && c != bitEvenMagic {
			return nil, fmt.Errorf("bitstream header: bad even magic byte at %d", r.off)
		}
		if i%2 == 1 && c != bitOddMagic {
			return nil, fmt.Errorf("bitstream header: bad odd magic byte at %d", r.off)
		}
	}
	if int(r.off) >= len(b) || b[r.off] != 0 {
		return nil, fmt.Errorf("bitstream header: magic not terminated")
	}
	r.off++
	if v, err := r.u16(); err != nil {
		return nil, err
	} else if v != 1 {
		return nil, fmt.Errorf("bitstream header: bad end of magic %#x", v)
	}

	h := &BitstreamHeader{}
	if h.DesignName, err = r.str('a'); err != nil {
		return nil, err
	}
	if i := strings.Index(h.DesignName, "Version="); i >= 0 {
		h.Version = h.DesignName[i+len("Version="):]
	}
	if h.PartName, err = r.str('b'); err != nil {
		return nil, err
	}
	if h.Date, err = r.str('c'); err != nil {
		return nil, err
	}
	if h.Time, err = r.str('d'); err != nil {
		return nil, err
	}
	if int(r.off) >= len(b) || b[r.off] != 'e' {
		return nil, fmt.Errorf("bitstream header: missing length field")
	}
	r.off++
	if h.BitstreamLength, err = r.u32(); err != nil {
		return nil, err
	}
	h.HeaderLength = r.off
	return h, nil
}
