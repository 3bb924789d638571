// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package xdevice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/platinasystems/log"
	"github.com/platinasystems/xrt/dma"
)

// Event notifies interested drivers about pool membership changes.
type Event int

const (
	EventPostCreation Event = iota
	EventPreRemoval
)

// EventHandler is optionally implemented by drivers that want pool
// membership notifications.
type EventHandler interface {
	OnEvent(Event, *Device)
}

type poolDev struct {
	dev     *Device
	holders map[string]int
}

// Pool owns a set of leaf devices and tracks who is using each one. A
// holder may hold a device repeatedly; a device is only removable once
// every hold has been matched by a put.
type Pool struct {
	reg *Registry

	mu   sync.Mutex
	cond *sync.Cond
	devs []*poolDev // creation order
}

func NewPool(reg *Registry) *Pool {
	p := &Pool{reg: reg}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Add registers a device and announces it to the other drivers.
func (p *Pool) Add(name string, res []Resource, heap *dma.Heap,
	pdata interface{}) (*Device, error) {
	dev, err := p.reg.DeviceRegister(name, res, heap, pdata)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.devs = append(p.devs, &poolDev{
		dev:     dev,
		holders: make(map[string]int),
	})
	p.mu.Unlock()
	p.broadcast(EventPostCreation, dev)
	return dev, nil
}

// Devices returns the pooled devices in creation order.
func (p *Pool) Devices() []*Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	devs := make([]*Device, len(p.devs))
	for i, pd := range p.devs {
		devs[i] = pd.dev
	}
	return devs
}

func (p *Pool) find(dev *Device) *poolDev {
	for _, pd := range p.devs {
		if pd.dev == dev {
			return pd
		}
	}
	return nil
}

// Get checks the device out for the named holder.
func (p *Pool) Get(name, holder string) (*Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pd := range p.devs {
		if pd.dev.Name == name {
			pd.holders[holder]++
			return pd.dev, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNoRes)
}

// Put drops one hold. The last put for a device wakes anyone waiting
// in Del.
func (p *Pool) Put(dev *Device, holder string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd := p.find(dev)
	if pd == nil {
		return fmt.Errorf("%s: not pooled", dev.Name)
	}
	n, found := pd.holders[holder]
	if !found {
		return fmt.Errorf("%s: not held by %s", dev.Name, holder)
	}
	if n == 1 {
		delete(pd.holders, holder)
	} else {
		pd.holders[holder] = n - 1
	}
	p.cond.Broadcast()
	return nil
}

func (pd *poolDev) holderNames() string {
	names := make([]string, 0, len(pd.holders))
	for h, n := range pd.holders {
		names = append(names, fmt.Sprintf("%s(%d)", h, n))
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

// Del removes the device from the pool, waiting for all holders to put
// it back first. Cancelling the context gives up the wait, logs the
// remaining holders and removes the device anyway.
func (p *Pool) Del(ctx context.Context, dev *Device) error {
	p.mu.Lock()
	pd := p.find(dev)
	p.mu.Unlock()
	if pd == nil {
		return fmt.Errorf("%s: not pooled", dev.Name)
	}
	p.broadcast(EventPreRemoval, dev)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast()
		case <-done:
		}
	}()

	p.mu.Lock()
	for len(pd.holders) != 0 && ctx.Err() == nil {
		log.Print("err ", dev.Name, ": awaits holders: ", pd.holderNames())
		p.cond.Wait()
	}
	if len(pd.holders) != 0 {
		log.Print("err ", dev.Name,
			": give up waiting for holders, removing now")
		pd.holders = make(map[string]int)
	}
	for i, q := range p.devs {
		if q == pd {
			p.devs = append(p.devs[:i], p.devs[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.reg.DeviceUnregister(dev)
	return nil
}

// Fini removes every pooled device in reverse creation order.
func (p *Pool) Fini(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.devs) == 0 {
			p.mu.Unlock()
			return
		}
		dev := p.devs[len(p.devs)-1].dev
		p.mu.Unlock()
		if err := p.Del(ctx, dev); err != nil {
			log.Print("err ", dev.Name, ": ", err)
		}
	}
}

// broadcast delivers the event to every registered driver implementing
// EventHandler, except the device's own.
func (p *Pool) broadcast(ev Event, dev *Device) {
	p.reg.mu.Lock()
	drivers := append([]Driver(nil), p.reg.drivers...)
	p.reg.mu.Unlock()
	for _, d := range drivers {
		if d == dev.drv {
			continue
		}
		if h, ok := d.(EventHandler); ok {
			h.OnEvent(ev, dev)
		}
	}
}
