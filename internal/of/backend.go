package of

import "io"

// CharStream is a character device backend bound to an open instance, such
// as the guest console. Read drains whatever input is pending and returns
// zero bytes with a nil error when there is none.
type CharStream interface {
	io.Reader
	io.Writer
}

// BlockDevice is a seekable, read-only device backend. Boot firmware is
// never allowed to write to its boot media through the client interface.
type BlockDevice interface {
	io.ReaderAt
	Size() int64
}

// Backend is what a device-tree path resolves to when an instance is
// opened. At most one of the fields is set.
type Backend struct {
	Stream CharStream
	Block  BlockDevice
}

// BackendResolver binds device-tree paths to device backends. It is an
// external collaborator: the surrounding device model decides what lives
// behind each node.
type BackendResolver interface {
	ResolveBackend(path string) (Backend, bool)
}

// BackendResolverFunc adapts a function to the BackendResolver interface.
type BackendResolverFunc func(path string) (Backend, bool)

// ResolveBackend implements BackendResolver.
func (f BackendResolverFunc) ResolveBackend(path string) (Backend, bool) {
	return f(path)
}
