package cachedstore

import (
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/page"
)

// cork accumulates the writes of one TLog in memory until it is uncorked.
// The zero value is not valid; use newCork.
type cork struct {
	uuid    cmn.UUID
	entries map[cmn.CA]page.CLH
}

func newCork(uuid cmn.UUID) *cork {
	return &cork{uuid: uuid, entries: make(map[cmn.CA]page.CLH)}
}

func (c *cork) set(ca cmn.CA, clh page.CLH) { c.entries[ca] = clh }

func (c *cork) get(ca cmn.CA) (page.CLH, bool) {
	clh, ok := c.entries[ca]
	return clh, ok
}
