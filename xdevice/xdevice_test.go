// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package xdevice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/platinasystems/xrt/hw"
)

type testDriver struct {
	name    string
	eps     []string
	probed  int
	removed int
	events  []Event

	mu sync.Mutex
}

func (d *testDriver) Name() string        { return d.name }
func (d *testDriver) Endpoints() []string { return d.eps }

func (d *testDriver) Probe(dev *Device) error {
	d.mu.Lock()
	d.probed++
	d.mu.Unlock()
	dev.SetDrvData(d)
	return nil
}

func (d *testDriver) Remove(dev *Device) {
	d.mu.Lock()
	d.removed++
	d.mu.Unlock()
}

func (d *testDriver) OnEvent(ev Event, dev *Device) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	drv := &testDriver{name: "xdma", eps: []string{"ep_xdma_00"}}
	if err := r.Register(drv); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&testDriver{name: "xdma"}); !errors.Is(err, ErrExist) {
		t.Errorf("duplicate driver: got %v", err)
	}
	if r.DriverFor("ep_xdma_00") != drv {
		t.Error("DriverFor missed registered endpoint")
	}
	if r.DriverFor("ep_qdma_00") != nil {
		t.Error("DriverFor matched unknown endpoint")
	}

	if _, err := r.DeviceRegister("ep_qdma_00", nil, nil, nil); !errors.Is(err, ErrNoDriver) {
		t.Errorf("unmatched device: got %v", err)
	}
	dev, err := r.DeviceRegister("ep_xdma_00", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dev.DrvData() != drv {
		t.Error("probe did not run")
	}
	dev2, err := r.DeviceRegister("ep_xdma_00", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Instance == dev2.Instance {
		t.Error("instances not unique")
	}

	r.Unregister("xdma")
	if r.Lookup("xdma") != nil {
		t.Error("driver still registered")
	}
}

type fakeMap map[uint32]uint32

func (m fakeMap) Read32(off uint32) (uint32, error) { return m[off], nil }
func (m fakeMap) Write32(off, val uint32) error     { m[off] = val; return nil }

func TestDeviceResources(t *testing.T) {
	regs := fakeMap{}
	r := NewRegistry()
	r.Register(&testDriver{name: "xdma", eps: []string{"ep_xdma_00"}})
	dev, err := r.DeviceRegister("ep_xdma_00", []Resource{
		{Kind: ResMem, Name: "dma", Regs: hw.Map(regs)},
		{Kind: ResIRQ, Name: "channel", IRQ: 4},
		{Kind: ResIRQ, Name: "channel", IRQ: 5},
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m, err := dev.Regs(0); err != nil || m == nil {
		t.Fatalf("Regs(0) = %v, %v", m, err)
	}
	if _, err := dev.Regs(1); !errors.Is(err, ErrNoRes) {
		t.Errorf("Regs(1): got %v", err)
	}
	res, err := dev.Resource(ResIRQ, 1)
	if err != nil || res.IRQ != 5 {
		t.Fatalf("Resource(ResIRQ, 1) = %v, %v", res, err)
	}

	fired := 0
	if err = dev.RequestIRQ(0, func(*Device) { fired++ }); err != nil {
		t.Fatal(err)
	}
	if err = dev.RequestIRQ(0, func(*Device) {}); !errors.Is(err, ErrIRQBusy) {
		t.Errorf("double request: got %v", err)
	}
	dev.Interrupt(0)
	dev.Interrupt(1) // no handler, must not panic
	if fired != 1 {
		t.Errorf("handler ran %d times", fired)
	}
	if err = dev.FreeIRQ(0); err != nil {
		t.Fatal(err)
	}
	if err = dev.FreeIRQ(0); !errors.Is(err, ErrIRQUnused) {
		t.Errorf("double free: got %v", err)
	}
}

func TestPoolHolders(t *testing.T) {
	r := NewRegistry()
	xdma := &testDriver{name: "xdma", eps: []string{"ep_xdma_00"}}
	vsec := &testDriver{name: "vsec", eps: []string{"drv_ep_vsec_00"}}
	r.Register(xdma)
	r.Register(vsec)

	p := NewPool(r)
	if _, err := p.Add("drv_ep_vsec_00", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	dev, err := p.Add("ep_xdma_00", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	// vsec hears about the xdma leaf, not about itself.
	vsec.mu.Lock()
	nev := len(vsec.events)
	vsec.mu.Unlock()
	if nev != 1 || vsec.events[0] != EventPostCreation {
		t.Errorf("vsec events %v", vsec.events)
	}

	if _, err = p.Get("ep_xdma_00", "user"); err != nil {
		t.Fatal(err)
	}
	if _, err = p.Get("ep_xdma_00", "user"); err != nil {
		t.Fatal(err)
	}
	if err = p.Put(dev, "nobody"); err == nil {
		t.Error("put by non-holder accepted")
	}

	// Del must block until both holds are put back.
	released := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Put(dev, "user")
		p.Put(dev, "user")
		close(released)
	}()
	if err = p.Del(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	select {
	case <-released:
	default:
		t.Error("Del returned before holders released")
	}
	if xdma.removed != 1 {
		t.Errorf("removed %d times", xdma.removed)
	}

	p.Fini(context.Background())
	if vsec.removed != 1 {
		t.Errorf("vsec removed %d times", vsec.removed)
	}
}

func TestPoolDelUnpooled(t *testing.T) {
	r := NewRegistry()
	xdma := &testDriver{name: "xdma", eps: []string{"ep_xdma_00"}}
	vsec := &testDriver{name: "vsec", eps: []string{"drv_ep_vsec_00"}}
	r.Register(xdma)
	r.Register(vsec)
	p := NewPool(r)

	// Registered with the bus but never pooled.
	dev, err := r.DeviceRegister("ep_xdma_00", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = p.Del(context.Background(), dev); err == nil {
		t.Fatal("Del of unpooled device accepted")
	}
	// No removal event for a device the pool never owned.
	vsec.mu.Lock()
	defer vsec.mu.Unlock()
	if len(vsec.events) != 0 {
		t.Errorf("unpooled Del broadcast %v", vsec.events)
	}
}

func TestPoolDelGivesUp(t *testing.T) {
	r := NewRegistry()
	r.Register(&testDriver{name: "xdma", eps: []string{"ep_xdma_00"}})
	p := NewPool(r)
	dev, err := p.Add("ep_xdma_00", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Get("ep_xdma_00", "stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err = p.Del(ctx, dev); err != nil {
		t.Fatal(err)
	}
	if len(p.Devices()) != 0 {
		t.Error("device still pooled after forced removal")
	}
}
