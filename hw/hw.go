// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package hw provides 32-bit register map access for memory mapped devices.
// The registers must be accessed using 32-bit (PCI DWORD) read/writes.
package hw

import (
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// Map is a window of device registers addressed by byte offset.
type Map interface {
	Read32(off uint32) (uint32, error)
	Write32(off, val uint32) error
}

var ErrRange = fmt.Errorf("register offset out of range")

// Mmap is a Map over memory mapped device registers, e.g. a PCI BAR
// resource file.
type Mmap struct {
	b    []byte
	name string
}

// MapFile maps size bytes of the named resource file at the given offset.
// With size 0 the whole file is mapped.
func MapFile(name string, off int64, size int) (*Mmap, error) {
	f, err := os.OpenFile(name, os.O_RDWR|syscall.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if size == 0 {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		size = int(fi.Size() - off)
	}
	b, err := syscall.Mmap(int(f.Fd()), off, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %v", name, err)
	}
	return &Mmap{b: b, name: name}, nil
}

func (m *Mmap) check(off uint32) error {
	if off&3 != 0 || int(off)+4 > len(m.b) {
		return fmt.Errorf("%s: offset 0x%x: %w", m.name, off, ErrRange)
	}
	return nil
}

func (m *Mmap) Read32(off uint32) (uint32, error) {
	if err := m.check(off); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.b[off]))), nil
}

func (m *Mmap) Write32(off, val uint32) error {
	if err := m.check(off); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.b[off])), val)
	return nil
}

func (m *Mmap) Close() error { return syscall.Munmap(m.b) }

// Window is a bounded view of a parent Map starting at a fixed offset.
// Leaf devices get their register region as a Window of the BAR map.
type Window struct {
	parent    Map
	off, size uint32
}

func NewWindow(parent Map, off, size uint32) *Window {
	return &Window{parent: parent, off: off, size: size}
}

func (w *Window) check(off uint32) error {
	if off+4 > w.size {
		return fmt.Errorf("window offset 0x%x size 0x%x: %w",
			off, w.size, ErrRange)
	}
	return nil
}

func (w *Window) Read32(off uint32) (uint32, error) {
	if err := w.check(off); err != nil {
		return 0, err
	}
	return w.parent.Read32(w.off + off)
}

func (w *Window) Write32(off, val uint32) error {
	if err := w.check(off); err != nil {
		return err
	}
	return w.parent.Write32(w.off+off, val)
}
