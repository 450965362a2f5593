package util

import "github.com/rs/xid"

// NewID returns a short sortable identifier, optionally prefixed by kind.
func NewID(prefix string) string {
	id := xid.New().String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
