// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package dmaengine

import (
	"context"
	"testing"

	"github.com/platinasystems/xrt/dma"
)

type nopChan struct {
	dir Direction
	cfg SlaveConfig
}

type nopTx struct{}

func (nopTx) Submit(context.Context) error { return nil }

func (c *nopChan) Direction() Direction { return c.dir }

func (c *nopChan) Config(cfg SlaveConfig) error {
	if cfg.Direction != c.dir {
		return ErrBadConfig
	}
	c.cfg = cfg
	return nil
}

func (c *nopChan) PrepSlaveSG(tbl dma.Table) (Tx, error) {
	return nopTx{}, nil
}

func TestRequestChannel(t *testing.T) {
	d := NewDevice("qdma")
	h2c := &nopChan{dir: MemToDev}
	c2h := &nopChan{dir: DevToMem}
	d.AddChannel(h2c)
	d.AddChannel(c2h)

	c, err := d.RequestChannel(FilterDirection, &ChanInfo{Dir: DevToMem})
	if err != nil {
		t.Fatal(err)
	}
	if c != c2h {
		t.Error("filter matched the wrong channel")
	}
	// The held channel is not handed out twice.
	if _, err = d.RequestChannel(FilterDirection, &ChanInfo{Dir: DevToMem}); err != ErrNoChan {
		t.Errorf("second request: got %v", err)
	}
	d.ReleaseChannel(c)
	if _, err = d.RequestChannel(FilterDirection, &ChanInfo{Dir: DevToMem}); err != nil {
		t.Errorf("request after release: %v", err)
	}

	if _, err = d.RequestChannel(FilterDirection, "bogus"); err != ErrNoChan {
		t.Errorf("bad param: got %v", err)
	}
}
