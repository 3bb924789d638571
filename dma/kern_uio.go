// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package dma

import (
	"fmt"
	"syscall"
	"unsafe"
)

// uio-dma kernel interface.
const (
	uioDmaAlloc = 0x400455c8
	uioDmaFree  = 0x400455c9
	uioDmaMap   = 0x400455ca
	uioDmaUnmap = 0x400455cb
)

const (
	uioDmaCacheDefault = iota
	uioDmaCacheDisable
	uioDmaCacheWritecombine
)

const (
	uioDmaBidirectional = iota
	uioDmaTodevice
	uioDmaFromdevice
)

type uioDmaAllocReq struct {
	dmaMask    uint64
	memnode    uint16
	cache      uint16
	flags      uint32
	chunkCount uint32
	chunkSize  uint32
	mmapOffset uint64
}

type uioDmaFreeReq struct {
	mmapOffset uint64
}

type uioDmaMapReq struct {
	mmapOffset uint64
	flags      uint32
	devid      uint32
	direction  uint32
	chunkCount uint32
	chunkSize  uint32
	dmaAddr    [256]uint64
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, e := syscall.RawSyscall(syscall.SYS_IOCTL, uintptr(fd), req,
		uintptr(arg))
	if e != 0 {
		return e
	}
	return nil
}

// OpenUIO allocates one physically contiguous, coherent chunk of the given
// size via /dev/uio-dma, maps it for the given uio minor device and returns
// a Heap over it. Descriptor rings require the whole chunk to be bus
// contiguous, so unlike packet buffer pools there is no chunk splitting
// fallback here.
func OpenUIO(devid uint32, size int) (*Heap, error) {
	fd, err := syscall.Open("/dev/uio-dma", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/uio-dma: %v", err)
	}

	r := uioDmaAllocReq{
		dmaMask:    ^uint64(0),
		cache:      uioDmaCacheDefault,
		chunkCount: 1,
		chunkSize:  uint32(size),
	}
	if err = ioctl(fd, uioDmaAlloc, unsafe.Pointer(&r)); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("ioctl UIO_DMA_ALLOC: %v", err)
	}

	m := uioDmaMapReq{
		mmapOffset: r.mmapOffset,
		devid:      devid,
		direction:  uioDmaBidirectional,
		chunkCount: r.chunkCount,
		chunkSize:  r.chunkSize,
	}
	if err = ioctl(fd, uioDmaMap, unsafe.Pointer(&m)); err != nil {
		fr := uioDmaFreeReq{mmapOffset: r.mmapOffset}
		ioctl(fd, uioDmaFree, unsafe.Pointer(&fr))
		syscall.Close(fd)
		return nil, fmt.Errorf("ioctl UIO_DMA_MAP: %v", err)
	}

	b, err := syscall.Mmap(fd, int64(r.mmapOffset), size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		fr := uioDmaFreeReq{mmapOffset: r.mmapOffset}
		ioctl(fd, uioDmaFree, unsafe.Pointer(&fr))
		syscall.Close(fd)
		return nil, fmt.Errorf("mmap uio-dma: %v", err)
	}

	h := NewHeap(b, m.dmaAddr[0])
	h.closer = func() error {
		syscall.Munmap(b)
		fr := uioDmaFreeReq{mmapOffset: r.mmapOffset}
		err := ioctl(fd, uioDmaFree, unsafe.Pointer(&fr))
		syscall.Close(fd)
		return err
	}
	return h, nil
}
