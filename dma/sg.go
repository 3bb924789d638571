// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package dma

// Entry is one bus contiguous segment of a scatter-gather list.
type Entry struct {
	Addr uint64
	Len  int
}

// Table is a scatter-gather list describing one logical transfer. Segments
// need not be contiguous in host memory.
type Table []Entry

// Bytes returns the total transfer length described by the table.
func (t Table) Bytes() (n int64) {
	for i := range t {
		n += int64(t[i].Len)
	}
	return
}

// Cursor marks the resumption point of a partially submitted table: the
// current entry and the byte offset within it. The submission engine
// advances it in place across hardware submissions.
type Cursor struct {
	Ent int
	Off int
}

// Done reports whether the cursor has consumed the whole table.
func (c *Cursor) Done(t Table) bool { return c.Ent >= len(t) }

// TableOf describes a coherent allocation as a single segment table.
func TableOf(m *Mem) Table {
	return Table{{Addr: m.Bus(), Len: m.Len()}}
}
