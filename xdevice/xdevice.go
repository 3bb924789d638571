// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package xdevice is the bus layer for Alveo leaf devices: a driver
// registry, device registration with memory and interrupt resources,
// and a holder pool for busy tracking during teardown.
//
// The registry is an explicit object with a controlled lifetime. There
// is no package level singleton; whoever needs it gets it passed in.
package xdevice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/platinasystems/log"
	"github.com/platinasystems/xrt/dma"
	"github.com/platinasystems/xrt/hw"
)

var (
	ErrNoDriver  = errors.New("no driver for endpoint")
	ErrExist     = errors.New("driver exists")
	ErrNoRes     = errors.New("no such resource")
	ErrIRQBusy   = errors.New("interrupt already requested")
	ErrIRQUnused = errors.New("interrupt not requested")
)

// ResKind discriminates device resources.
type ResKind int

const (
	ResMem ResKind = iota // register window
	ResIRQ                // interrupt index
)

// Resource is one memory or interrupt resource handed to a device at
// registration time.
type Resource struct {
	Kind ResKind
	Name string
	Regs hw.Map // ResMem
	IRQ  int    // ResIRQ
}

// Driver binds to devices by endpoint name.
type Driver interface {
	Name() string
	Endpoints() []string
	Probe(*Device) error
	Remove(*Device)
}

// Device is one leaf device instance bound to a driver.
type Device struct {
	Name     string
	Instance int

	res   []Resource
	pdata interface{}
	heap  *dma.Heap
	drv   Driver

	mu       sync.Mutex
	drvdata  interface{}
	handlers map[int]func(*Device)
}

// PlatformData returns the opaque data supplied at registration.
func (d *Device) PlatformData() interface{} { return d.pdata }

// DMA returns the coherent heap the device allocates descriptor
// memory from, or nil if none was attached.
func (d *Device) DMA() *dma.Heap { return d.heap }

func (d *Device) SetDrvData(v interface{}) {
	d.mu.Lock()
	d.drvdata = v
	d.mu.Unlock()
}

func (d *Device) DrvData() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drvdata
}

// Resource returns the index'th resource of the given kind.
func (d *Device) Resource(kind ResKind, index int) (*Resource, error) {
	n := 0
	for i := range d.res {
		if d.res[i].Kind != kind {
			continue
		}
		if n == index {
			return &d.res[i], nil
		}
		n++
	}
	return nil, fmt.Errorf("%s: %v %d: %w", d.Name, kind, index, ErrNoRes)
}

func (k ResKind) String() string {
	switch k {
	case ResMem:
		return "mem"
	case ResIRQ:
		return "irq"
	}
	return fmt.Sprintf("res(%d)", int(k))
}

// Regs returns the index'th register window resource.
func (d *Device) Regs(index int) (hw.Map, error) {
	r, err := d.Resource(ResMem, index)
	if err != nil {
		return nil, err
	}
	return r.Regs, nil
}

// RequestIRQ installs a handler for the index'th interrupt resource.
func (d *Device) RequestIRQ(index int, h func(*Device)) error {
	if _, err := d.Resource(ResIRQ, index); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[int]func(*Device))
	}
	if _, found := d.handlers[index]; found {
		return fmt.Errorf("%s: irq %d: %w", d.Name, index, ErrIRQBusy)
	}
	d.handlers[index] = h
	return nil
}

func (d *Device) FreeIRQ(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.handlers[index]; !found {
		return fmt.Errorf("%s: irq %d: %w", d.Name, index, ErrIRQUnused)
	}
	delete(d.handlers, index)
	return nil
}

// Interrupt dispatches the index'th interrupt. The handler runs on the
// caller's goroutine and must not block.
func (d *Device) Interrupt(index int) {
	d.mu.Lock()
	h := d.handlers[index]
	d.mu.Unlock()
	if h != nil {
		h(d)
	}
}

// Registry holds registered drivers and hands out device instances.
type Registry struct {
	mu       sync.Mutex
	drivers  []Driver
	instance map[string]int
}

func NewRegistry() *Registry {
	return &Registry{instance: make(map[string]int)}
}

func (r *Registry) Register(drv Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.drivers {
		if d.Name() == drv.Name() {
			return fmt.Errorf("%s: %w", drv.Name(), ErrExist)
		}
	}
	r.drivers = append(r.drivers, drv)
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.drivers {
		if d.Name() == name {
			r.drivers = append(r.drivers[:i], r.drivers[i+1:]...)
			return
		}
	}
}

func (r *Registry) Lookup(name string) Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.drivers {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// DriverFor returns the first registered driver claiming the endpoint.
func (r *Registry) DriverFor(endpoint string) Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.drivers {
		for _, ep := range d.Endpoints() {
			if ep == endpoint {
				return d
			}
		}
	}
	return nil
}

// DeviceRegister creates a device for the named endpoint, matches a
// driver and probes it. The heap, if non nil, provides coherent memory
// for the driver's descriptor rings.
func (r *Registry) DeviceRegister(name string, res []Resource,
	heap *dma.Heap, pdata interface{}) (*Device, error) {
	drv := r.DriverFor(name)
	if drv == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNoDriver)
	}
	r.mu.Lock()
	inst := r.instance[name]
	r.instance[name]++
	r.mu.Unlock()
	d := &Device{
		Name:     name,
		Instance: inst,
		res:      res,
		pdata:    pdata,
		heap:     heap,
		drv:      drv,
	}
	if err := drv.Probe(d); err != nil {
		return nil, fmt.Errorf("%s.%d: probe: %w", name, inst, err)
	}
	log.Print("daemon ", name, ".", inst, ": bound to driver ", drv.Name())
	return d, nil
}

// DeviceUnregister unbinds the device from its driver.
func (r *Registry) DeviceUnregister(d *Device) {
	d.drv.Remove(d)
}
