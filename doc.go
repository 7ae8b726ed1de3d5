// Package arenafs implements a single-volume filesystem stored entirely
// inside one flat byte region, typically a memory-mapped file. All
// on-volume references are byte offsets from the start of the region, so
// a volume can be detached and re-attached at a different base address
// without any fixup pass.
//
// The package provides three surfaces over the same volume: the core
// Volume type with path-based operations, an absfs.FileSystem adapter,
// and a FUSE mount.
package arenafs
