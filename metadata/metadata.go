// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package metadata is the typed endpoint property store describing the
// hardware of a logical device group. It is built once from a firmware
// blob and passed explicitly to whoever needs it.
package metadata

import (
	"errors"
	"fmt"
)

// Prop identifies one endpoint property.
type Prop int

const (
	PropBarIndex Prop = iota
	PropBarOffset
	PropRegSize
	PropIrqStart
	PropIrqNum
	PropPFIndex
	PropDeviceID
	propNum
)

var propNames = [propNum]string{
	"bar-index", "bar-offset", "reg-size", "irq-start", "irq-num",
	"pf-index", "device-id",
}

func (p Prop) String() string {
	if p < 0 || p >= propNum {
		return fmt.Sprintf("prop(%d)", int(p))
	}
	return propNames[p]
}

var (
	ErrNoEnt = errors.New("no such endpoint")
	ErrExist = errors.New("endpoint exists")
	ErrProp  = errors.New("property not set")
)

type endpoint struct {
	name string
	set  uint64 // bitmap of present properties
	prop [propNum]uint64
	priv []byte
}

// Metadata holds endpoints in insertion order.
type Metadata struct {
	eps    []*endpoint
	byName map[string]*endpoint
}

func New() *Metadata {
	return &Metadata{byName: make(map[string]*endpoint)}
}

func (m *Metadata) Len() int { return len(m.eps) }

func (m *Metadata) AddEndpoint(name string) error {
	if _, found := m.byName[name]; found {
		return fmt.Errorf("%s: %w", name, ErrExist)
	}
	ep := &endpoint{name: name}
	m.eps = append(m.eps, ep)
	m.byName[name] = ep
	return nil
}

func (m *Metadata) endpoint(name string) (*endpoint, error) {
	ep, found := m.byName[name]
	if !found {
		return nil, fmt.Errorf("%s: %w", name, ErrNoEnt)
	}
	return ep, nil
}

func (m *Metadata) SetProp(name string, p Prop, val uint64) error {
	if p < 0 || p >= propNum {
		return fmt.Errorf("%s: invalid property %d", name, int(p))
	}
	ep, err := m.endpoint(name)
	if err != nil {
		return err
	}
	ep.prop[p] = val
	ep.set |= 1 << uint(p)
	return nil
}

func (m *Metadata) GetProp(name string, p Prop) (uint64, error) {
	if p < 0 || p >= propNum {
		return 0, fmt.Errorf("%s: invalid property %d", name, int(p))
	}
	ep, err := m.endpoint(name)
	if err != nil {
		return 0, err
	}
	if ep.set&(1<<uint(p)) == 0 {
		return 0, fmt.Errorf("%s: %s: %w", name, p, ErrProp)
	}
	return ep.prop[p], nil
}

// SetPrivData attaches an opaque private data blob to the endpoint.
func (m *Metadata) SetPrivData(name string, b []byte) error {
	ep, err := m.endpoint(name)
	if err != nil {
		return err
	}
	ep.priv = append([]byte(nil), b...)
	return nil
}

func (m *Metadata) PrivData(name string) ([]byte, error) {
	ep, err := m.endpoint(name)
	if err != nil {
		return nil, err
	}
	return ep.priv, nil
}

// NextEndpoint iterates endpoint names in insertion order. An empty prev
// returns the first endpoint; an empty result means iteration is done.
func (m *Metadata) NextEndpoint(prev string) (string, error) {
	if prev == "" {
		if len(m.eps) == 0 {
			return "", nil
		}
		return m.eps[0].name, nil
	}
	for i, ep := range m.eps {
		if ep.name == prev {
			if i+1 < len(m.eps) {
				return m.eps[i+1].name, nil
			}
			return "", nil
		}
	}
	return "", fmt.Errorf("%s: %w", prev, ErrNoEnt)
}

// CopyEndpoint copies one endpoint with all its properties into dst.
func (m *Metadata) CopyEndpoint(name string, dst *Metadata) error {
	ep, err := m.endpoint(name)
	if err != nil {
		return err
	}
	if err = dst.AddEndpoint(name); err != nil {
		return err
	}
	cp := dst.byName[name]
	cp.set = ep.set
	cp.prop = ep.prop
	cp.priv = append([]byte(nil), ep.priv...)
	return nil
}
