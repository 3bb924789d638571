// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package hw

import "testing"

type ram map[uint32]uint32

func (m ram) Read32(off uint32) (uint32, error) { return m[off], nil }
func (m ram) Write32(off, val uint32) error     { m[off] = val; return nil }

func TestField(t *testing.T) {
	for _, x := range []struct {
		mask, v, field uint32
	}{
		{0xfff00000, 0x1fc00123, 0x1fc},
		{0x00000f00, 0x00000230, 0x2},
		{0x000f0000, 0x00010000, 0x1},
		{0x00000001, 0x00000001, 0x1},
	} {
		if got := FieldGet(x.mask, x.v); got != x.field {
			t.Errorf("FieldGet(%#x, %#x) = %#x, want %#x",
				x.mask, x.v, got, x.field)
		}
		if got := FieldGet(x.mask, FieldPrep(x.mask, x.field)); got != x.field {
			t.Errorf("FieldPrep(%#x, %#x) does not round trip",
				x.mask, x.field)
		}
	}
}

func TestWindow(t *testing.T) {
	m := make(ram)
	w := NewWindow(m, 0x1000, 0x100)
	if err := w.Write32(0x4, 0xdead); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Read32(0x1004); v != 0xdead {
		t.Errorf("parent got %#x, want 0xdead", v)
	}
	if v, err := w.Read32(0x4); err != nil || v != 0xdead {
		t.Errorf("window read %#x, %v", v, err)
	}
	if err := w.Write32(0x100, 0); err == nil {
		t.Error("expected range error past window end")
	}
	if err := w.Write32(0xfc, 1); err != nil {
		t.Errorf("last dword in window: %v", err)
	}
}
