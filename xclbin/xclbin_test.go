// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package xclbin

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildImage assembles a minimal axlf buffer with the given sections.
func buildImage(t *testing.T, sections []Section) []byte {
	t.Helper()
	off := sectionsOff + len(sections)*sectionHdrSize
	total := off
	for _, s := range sections {
		total += len(s.Data)
	}
	b := make([]byte, total)
	copy(b, magic)
	binary.LittleEndian.PutUint64(b[hdrLength:], uint64(total))
	binary.LittleEndian.PutUint64(b[hdrTimeStamp:], 0x5f000000)
	b[hdrMajor] = 2
	b[hdrMinor] = 1
	copy(b[hdrVBNV:], "xilinx_u50_gen3x16\x00")
	for i := 0; i < 16; i++ {
		b[hdrUUID+i] = byte(i + 1)
	}
	binary.LittleEndian.PutUint32(b[hdrSections:], uint32(len(sections)))
	for i, s := range sections {
		h := b[sectionsOff+i*sectionHdrSize:]
		binary.LittleEndian.PutUint32(h, uint32(s.Kind))
		copy(h[4:20], s.Name)
		binary.LittleEndian.PutUint64(h[24:], uint64(off))
		binary.LittleEndian.PutUint64(h[32:], uint64(len(s.Data)))
		copy(b[off:], s.Data)
		off += len(s.Data)
	}
	return b
}

func TestParse(t *testing.T) {
	dtb := []byte{0xd0, 0x0d, 0xfe, 0xed, 0, 0, 0, 0x28}
	b := buildImage(t, []Section{
		{Kind: Bitstream, Name: "primary", Data: []byte("not a real bitstream")},
		{Kind: PartitionMetadata, Name: "partition", Data: dtb},
	})

	img, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if img.Major != 2 || img.Minor != 1 {
		t.Errorf("version %d.%d, want 2.1", img.Major, img.Minor)
	}
	if img.VBNV != "xilinx_u50_gen3x16" {
		t.Errorf("vbnv %q", img.VBNV)
	}
	if img.UUID.String() != "01020304-0506-0708-090a-0b0c0d0e0f10" {
		t.Errorf("uuid %s", img.UUID)
	}
	if n := len(img.Sections()); n != 2 {
		t.Fatalf("sections %d, want 2", n)
	}
	md, err := img.Metadata()
	if err != nil {
		t.Fatal(err)
	}
	if string(md) != string(dtb) {
		t.Errorf("metadata %x, want %x", md, dtb)
	}
	if _, err = img.Section(MemTopology); !errors.Is(err, ErrNoSection) {
		t.Errorf("missing section: got %v", err)
	}
}

func TestParseRejects(t *testing.T) {
	good := buildImage(t, []Section{
		{Kind: PartitionMetadata, Data: []byte{1, 2, 3, 4}},
	})

	short := append([]byte(nil), good[:100]...)
	if _, err := Parse(short); !errors.Is(err, ErrTruncated) {
		t.Errorf("short buffer: got %v", err)
	}

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'X'
	if _, err := Parse(badMagic); !errors.Is(err, ErrMagic) {
		t.Errorf("bad magic: got %v", err)
	}

	// Section extent pointing past the declared length.
	overrun := append([]byte(nil), good...)
	binary.LittleEndian.PutUint64(overrun[sectionsOff+32:], 1<<20)
	if _, err := Parse(overrun); err == nil {
		t.Error("overrunning section accepted")
	}

	// Offset chosen so that off+size wraps around to a small value.
	wrap := append([]byte(nil), good...)
	binary.LittleEndian.PutUint64(wrap[sectionsOff+24:], ^uint64(0))
	binary.LittleEndian.PutUint64(wrap[sectionsOff+32:], 2)
	if _, err := Parse(wrap); err == nil {
		t.Error("wrapping section extent accepted")
	}
}

func TestParseBitstreamHeader(t *testing.T) {
	var b []byte
	be16 := func(v uint16) {
		b = append(b, byte(v>>8), byte(v))
	}
	str := func(prefix byte, s string) {
		b = append(b, prefix)
		be16(uint16(len(s) + 1))
		b = append(b, s...)
		b = append(b, 0)
	}
	be16(9)
	b = append(b, 0x0f, 0xf0, 0x0f, 0xf0, 0x0f, 0xf0, 0x0f, 0xf0, 0)
	be16(1)
	str('a', "top;UserID=0XFFFFFFFF;Version=2022.2")
	str('b', "xcu50-fsvh2104-2-e")
	str('c', "2023/01/15")
	str('d', "12:34:56")
	b = append(b, 'e', 0x00, 0x10, 0x00, 0x00)

	h, err := ParseBitstreamHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if h.Version != "2022.2" {
		t.Errorf("version %q", h.Version)
	}
	if h.PartName != "xcu50-fsvh2104-2-e" {
		t.Errorf("part %q", h.PartName)
	}
	if h.BitstreamLength != 0x100000 {
		t.Errorf("length %#x", h.BitstreamLength)
	}
	if int(h.HeaderLength) != len(b) {
		t.Errorf("header length %d, want %d", h.HeaderLength, len(b))
	}

	if _, err = ParseBitstreamHeader(b[:20]); err == nil {
		t.Error("truncated header accepted")
	}
}
