// Package replicated implements C4: the external replicated metadata
// server variant of MetadataBackend, with master/slave roles, batched
// multiset writes, and slave catch-up from the object backend's TLog
// stream. Transport is github.com/valyala/fasthttp; requests are
// authenticated with github.com/golang-jwt/jwt/v4 service tokens; the
// page-write fan-out inside a batch uses golang.org/x/sync/errgroup.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package replicated

import "sync/atomic"

// Role is a replicated server's position in its own master/slave cluster.
type Role int32

const (
	RoleSlave Role = iota
	RoleMaster
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

// roleBox is an atomically-swappable Role.
type roleBox struct{ v atomic.Int32 }

func (b *roleBox) Load() Role     { return Role(b.v.Load()) }
func (b *roleBox) Store(r Role)   { b.v.Store(int32(r)) }
func (b *roleBox) CAS(old, new_ Role) bool {
	return b.v.CompareAndSwap(int32(old), int32(new_))
}
