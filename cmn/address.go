// Package cmn holds the low-level types, errors, and configuration shared by
// every package in the metadata engine: cluster addresses and locations,
// the content-hash type, and the error taxonomy from which every backend
// variant and the cached store build their own, more specific errors.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package cmn

import "fmt"

// CA is a cluster address: the logical offset of one cluster within a
// volume's linear address space.
type CA uint64

// CL is a packed cluster location: which SCO a cluster lives in, at which
// clone-chain depth, SCO rewrite version, and offset inside the SCO.
//
//	bits 63..32  SCONumber (32)
//	bits 31..24  CloneID   (8)
//	bits 23..16  Version   (8)
//	bits 15..0   Offset    (16)
//
// The all-zero CL is the null location (unallocated/discarded).
type CL uint64

const (
	clSCOShift   = 32
	clCloneShift = 24
	clVerShift   = 16
	clOffsetMask = 0xFFFF
	clCloneMask  = 0xFF
	clVerMask    = 0xFF
)

// NullCL is the unallocated/discarded cluster location.
const NullCL CL = 0

func NewCL(sco uint32, cloneID, version uint8, offset uint16) CL {
	return CL(uint64(sco)<<clSCOShift | uint64(cloneID)<<clCloneShift | uint64(version)<<clVerShift | uint64(offset))
}

func (c CL) SCONumber() uint32 { return uint32(c >> clSCOShift) }
func (c CL) CloneID() uint8    { return uint8((c >> clCloneShift) & clCloneMask) }
func (c CL) Version() uint8    { return uint8((c >> clVerShift) & clVerMask) }
func (c CL) Offset() uint16    { return uint16(c & clOffsetMask) }

func (c CL) IsNull() bool { return c == NullCL }

// WithCloneDelta returns a copy of c with delta added to its clone-id
// field, used when a clone's metadata cache stamps an entry fetched from a
// parent's backend (spec §3, "Clone read").
func (c CL) WithCloneDelta(delta int) CL {
	if c.IsNull() {
		return c
	}
	nc := int(c.CloneID()) + delta
	if nc < 0 {
		nc = 0
	}
	if nc > 0xFF {
		nc = 0xFF
	}
	return NewCL(c.SCONumber(), uint8(nc), c.Version(), c.Offset())
}

func (c CL) String() string {
	if c.IsNull() {
		return "null"
	}
	return fmt.Sprintf("sco=%d/clone=%d/ver=%d/off=%d", c.SCONumber(), c.CloneID(), c.Version(), c.Offset())
}
