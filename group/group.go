// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package group manages the lifecycle of a logical device group: leaf
// devices are created from firmware metadata by matching registered
// drivers against endpoint names, and destroyed in reverse order.
package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinasystems/log"
	"github.com/platinasystems/xrt/dma"
	"github.com/platinasystems/xrt/hw"
	"github.com/platinasystems/xrt/metadata"
	"github.com/platinasystems/xrt/xclbin"
	"github.com/platinasystems/xrt/xdevice"
)

var ErrCreated = errors.New("leaves already created")

// Config carries everything a group needs to bring leaves up: the
// driver registry, the mapped PCI BARs keyed by BAR index, and the
// coherent heap for descriptor memory.
type Config struct {
	Registry *xdevice.Registry
	Bars     map[uint64]hw.Map
	Heap     *dma.Heap
}

// Group is one logical device group.
type Group struct {
	cfg     Config
	pool    *xdevice.Pool
	created bool
}

func New(cfg Config) *Group {
	return &Group{cfg: cfg, pool: xdevice.NewPool(cfg.Registry)}
}

// Pool exposes the holder pool for device checkout.
func (g *Group) Pool() *xdevice.Pool { return g.pool }

// resources builds the device resources named by one endpoint's
// metadata properties.
func (g *Group) resources(md *metadata.Metadata, ep string) ([]xdevice.Resource, error) {
	var res []xdevice.Resource

	if off, err := md.GetProp(ep, metadata.PropBarOffset); err == nil {
		size, err := md.GetProp(ep, metadata.PropRegSize)
		if err != nil {
			return nil, err
		}
		bar := uint64(0)
		if v, err := md.GetProp(ep, metadata.PropBarIndex); err == nil {
			bar = v
		}
		m, found := g.cfg.Bars[bar]
		if !found {
			return nil, fmt.Errorf("%s: bar %d not mapped", ep, bar)
		}
		w := hw.NewWindow(m, uint32(off), uint32(size))
		res = append(res, xdevice.Resource{
			Kind: xdevice.ResMem,
			Name: ep,
			Regs: w,
		})
	}

	if start, err := md.GetProp(ep, metadata.PropIrqStart); err == nil {
		num := uint64(1)
		if v, err := md.GetProp(ep, metadata.PropIrqNum); err == nil {
			num = v
		}
		for i := uint64(0); i < num; i++ {
			res = append(res, xdevice.Resource{
				Kind: xdevice.ResIRQ,
				Name: ep,
				IRQ:  int(start + i),
			})
		}
	}
	return res, nil
}

// CreateLeaves walks the metadata endpoints and creates a leaf device
// for every endpoint a registered driver claims. A single endpoint
// failing does not abort the others.
func (g *Group) CreateLeaves(md *metadata.Metadata) error {
	if g.created {
		return ErrCreated
	}
	failed := 0
	for ep, err := md.NextEndpoint(""); ep != ""; ep, err = md.NextEndpoint(ep) {
		if err != nil {
			return err
		}
		if g.cfg.Registry.DriverFor(ep) == nil {
			continue
		}
		// Each leaf gets its own single endpoint metadata.
		leafMd := metadata.New()
		if err = md.CopyEndpoint(ep, leafMd); err != nil {
			return err
		}
		res, err := g.resources(leafMd, ep)
		if err != nil {
			log.Print("err ", ep, ": ", err)
			failed++
			continue
		}
		if _, err = g.pool.Add(ep, res, g.cfg.Heap, leafMd); err != nil {
			log.Print("err ", ep, ": ", err)
			failed++
			continue
		}
	}
	g.created = true
	if failed != 0 {
		return fmt.Errorf("%d of the group's leaves failed to create", failed)
	}
	return nil
}

// CreateFromBlob parses an xclbin image, extracts its partition
// metadata and creates the group's leaves from it.
func (g *Group) CreateFromBlob(blob []byte) error {
	img, err := xclbin.Parse(blob)
	if err != nil {
		return err
	}
	dtb, err := img.Metadata()
	if err != nil {
		return err
	}
	md, err := metadata.FromDTB(dtb)
	if err != nil {
		return err
	}
	log.Print("daemon loading image ", img.UUID, " (", img.VBNV, ")")
	return g.CreateLeaves(md)
}

// Destroy removes every leaf in reverse creation order.
func (g *Group) Destroy(ctx context.Context) {
	g.pool.Fini(ctx)
	g.created = false
}
