// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Xrtdma moves data between host files and a card address through the
// XDMA engine of an Alveo device, the command line analogue of the
// driver's READ/WRITE pair.
//
// Usage:
//
//	xrtdma [-v] -bar FILE [-bar-offset OFF] -uio ID [-irq FILE] \
//		-addr ADDR -size N read|write [FILE]
//
// -bar names the PCI BAR resource file carrying the engine registers,
// -uio the uio-dma device id for coherent memory, -irq a uio device
// file whose reads deliver the engine's interrupt events. With no data
// FILE, write reads from stdin and read writes to stdout.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"
	"github.com/platinasystems/xrt/dma"
	"github.com/platinasystems/xrt/hw"
	"github.com/platinasystems/xrt/metadata"
	"github.com/platinasystems/xrt/xdevice"
	"github.com/platinasystems/xrt/xdma"
)

const usage = "usage: xrtdma [-v] -bar FILE [-bar-offset OFF] -uio ID " +
	"[-irq FILE] -addr ADDR -size N read|write [FILE]"

// heapSize is the coherent allocation backing descriptor rings and the
// bounce buffer.
const heapSize = 64 << 20

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "xrtdma:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flag, args := flags.New(args, "-v")
	parm, args := parms.New(args, "-bar", "-bar-offset", "-uio", "-irq",
		"-addr", "-size")
	if len(args) == 0 {
		return fmt.Errorf("%s", usage)
	}
	verbose := flag.ByName["-v"]

	var write bool
	switch args[0] {
	case "read":
	case "write":
		write = true
	default:
		return fmt.Errorf("%s: unknown command\n%s", args[0], usage)
	}

	bar := parm.ByName["-bar"]
	if len(bar) == 0 {
		return fmt.Errorf("-bar FILE: missing")
	}
	var barOff int64
	if s := parm.ByName["-bar-offset"]; len(s) > 0 {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return fmt.Errorf("-bar-offset %s: %v", s, err)
		}
		barOff = v
	}
	uio, err := strconv.ParseUint(parm.ByName["-uio"], 0, 32)
	if err != nil {
		return fmt.Errorf("-uio %s: %v", parm.ByName["-uio"], err)
	}
	addr, err := strconv.ParseUint(parm.ByName["-addr"], 0, 64)
	if err != nil {
		return fmt.Errorf("-addr %s: %v", parm.ByName["-addr"], err)
	}
	size, err := strconv.ParseInt(parm.ByName["-size"], 0, 64)
	if err != nil || size <= 0 {
		return fmt.Errorf("-size %s: invalid", parm.ByName["-size"])
	}

	regs, err := hw.MapFile(bar, barOff, xdma.MaxRegisterRange)
	if err != nil {
		return err
	}
	defer regs.Close()

	heap, err := dma.OpenUIO(uint32(uio), heapSize)
	if err != nil {
		return err
	}
	defer heap.Close()

	reg := xdevice.NewRegistry()
	if err = reg.Register(xdma.Driver{}); err != nil {
		return err
	}
	res := []xdevice.Resource{
		{Kind: xdevice.ResMem, Name: metadata.NodeXDMA, Regs: regs},
	}
	for i := 0; i < xdma.MaxChannelNum; i++ {
		res = append(res, xdevice.Resource{
			Kind: xdevice.ResIRQ, Name: metadata.NodeXDMA, IRQ: i,
		})
	}
	dev, err := reg.DeviceRegister(metadata.NodeXDMA, res, heap, nil)
	if err != nil {
		return err
	}
	defer reg.DeviceUnregister(dev)
	x := dev.DrvData().(*xdma.XDMA)
	if verbose {
		h, c := x.Channels()
		log.Printf("xrtdma: %d h2c, %d c2h channels", h, c)
	}

	if irq := parm.ByName["-irq"]; len(irq) > 0 {
		stop, err := irqLoop(irq, dev, x)
		if err != nil {
			return err
		}
		defer stop()
	}

	// Bounce the data through coherent memory so the engine can
	// reach it.
	mem, err := heap.Alloc(int(size), os.Getpagesize())
	if err != nil {
		return err
	}
	tbl := dma.TableOf(mem)

	if write {
		in := os.Stdin
		if len(args) > 1 {
			if in, err = os.Open(args[1]); err != nil {
				return err
			}
			defer in.Close()
		}
		if _, err = io.ReadFull(in, mem.Bytes()); err != nil {
			return fmt.Errorf("read input: %v", err)
		}
		return x.Write(context.Background(), addr, tbl)
	}

	if err = x.Read(context.Background(), addr, tbl); err != nil {
		return err
	}
	out := os.Stdout
	if len(args) > 1 {
		if out, err = os.Create(args[1]); err != nil {
			return err
		}
		defer out.Close()
	}
	_, err = out.Write(mem.Bytes())
	return err
}

// irqLoop fans the uio device's interrupt events out to every channel;
// idle channels drop the signal. The returned func stops the loop.
func irqLoop(name string, dev *xdevice.Device, x *xdma.XDMA) (func(), error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	h, c := x.Channels()
	go func() {
		var count [4]byte
		for {
			if _, err := io.ReadFull(f, count[:]); err != nil {
				return
			}
			for i := 0; i < h+c; i++ {
				dev.Interrupt(i)
			}
		}
	}()
	return func() { f.Close() }, nil
}
