// Package registry implements the Inode Registry: a mapping from
// (device, inode) to the File Descriptor Record that represents it, so that
// multiple input paths referencing the same inode are merged without ever
// being compared by content.
package registry

import "github.com/kornelski/dupe-krill/internal/descriptor"

type key struct {
	device, inode uint64
}

// Registry maps (device, inode) pairs to the Record that owns them. It is
// not safe for concurrent use; the engine drives it from a single
// goroutine, per SPEC_FULL.md §5.
type Registry struct {
	byInode map[key]*descriptor.Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byInode: make(map[key]*descriptor.Record)}
}

// Lookup returns the Record registered for (device, inode), if any.
func (r *Registry) Lookup(device, inode uint64) (*descriptor.Record, bool) {
	rec, ok := r.byInode[key{device, inode}]
	return rec, ok
}

// Register records rec under its own (Device, Inode). It is a caller error
// to register two different records under the same key; Register will
// silently overwrite, since that can only happen if the caller already
// failed to consult Lookup first.
func (r *Registry) Register(rec *descriptor.Record) {
	r.byInode[key{rec.Device, rec.Inode}] = rec
}

// Len returns the number of distinct inodes the registry has ever seen.
func (r *Registry) Len() int { return len(r.byInode) }
