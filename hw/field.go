// Copyright © 2023 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package hw

import "math/bits"

// FieldGet extracts the field covered by mask from v. The mask must be a
// contiguous run of set bits.
func FieldGet(mask, v uint32) uint32 {
	return (v & mask) >> uint(bits.TrailingZeros32(mask))
}

// FieldPrep shifts v into the field covered by mask.
func FieldPrep(mask, v uint32) uint32 {
	return (v << uint(bits.TrailingZeros32(mask))) & mask
}
