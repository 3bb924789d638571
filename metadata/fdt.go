// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/platinasystems/fdt"
)

// Endpoint container node in the firmware device tree.
const NodeEndpoints = "addressable_endpoints"

// Well known endpoint node names.
const (
	NodeXDMA = "ep_xdma_00"
	NodeQDMA = "ep_qdma_00"
	NodeVsec = "drv_ep_vsec_00"
)

// FromDTB builds the endpoint property store from a flattened device tree
// firmware blob, typically the partition metadata section of an xclbin.
func FromDTB(blob []byte) (*Metadata, error) {
	t := &fdt.Tree{}
	if err := t.Parse(blob); err != nil {
		return nil, fmt.Errorf("parse dtb: %w", err)
	}
	if t.RootNode == nil {
		return nil, fmt.Errorf("parse dtb: no root node")
	}
	eps := t.RootNode
	if n, found := t.RootNode.Children[NodeEndpoints]; found {
		eps = n
	}
	m := New()
	for name, n := range eps.Children {
		if err := m.AddEndpoint(name); err != nil {
			return nil, err
		}
		if err := m.setFromNode(name, n); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func cells(b []byte) []uint32 {
	v := make([]uint32, len(b)/4)
	for i := range v {
		v[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	return v
}

func (m *Metadata) setFromNode(name string, n *fdt.Node) error {
	if b, found := n.Properties["reg"]; found {
		c := cells(b)
		if len(c) != 4 {
			return fmt.Errorf("%s: reg: want 4 cells, got %d",
				name, len(c))
		}
		m.SetProp(name, PropBarOffset, uint64(c[0])<<32|uint64(c[1]))
		m.SetProp(name, PropRegSize, uint64(c[2])<<32|uint64(c[3]))
	}
	if b, found := n.Properties["pcie_bar_mapping"]; found {
		c := cells(b)
		if len(c) != 1 {
			return fmt.Errorf("%s: pcie_bar_mapping: want 1 cell, got %d",
				name, len(c))
		}
		m.SetProp(name, PropBarIndex, uint64(c[0]))
	}
	if b, found := n.Properties["pcie_physical_function"]; found {
		c := cells(b)
		if len(c) != 1 {
			return fmt.Errorf("%s: pcie_physical_function: want 1 cell, got %d",
				name, len(c))
		}
		m.SetProp(name, PropPFIndex, uint64(c[0]))
	}
	if b, found := n.Properties["interrupts"]; found {
		c := cells(b)
		if len(c) != 2 {
			return fmt.Errorf("%s: interrupts: want 2 cells, got %d",
				name, len(c))
		}
		m.SetProp(name, PropIrqStart, uint64(c[0]))
		m.SetProp(name, PropIrqNum, uint64(c[1]-c[0]+1))
	}
	if b, found := n.Properties["compatible"]; found {
		m.SetPrivData(name, b)
	}
	return nil
}
