package devices

import (
	"fmt"
	"io"
	"os"
)

// DiskBlockSize is the block granularity advertised for boot media.
const DiskBlockSize = 512

// Disk is a read-only block-device backend over an image. The client
// interface never writes to boot media, so there is no write side at all.
type Disk struct {
	r    io.ReaderAt
	size int64

	closer io.Closer
}

// NewDisk wraps an existing image reader of the given size.
func NewDisk(r io.ReaderAt, size int64) *Disk {
	return &Disk{r: r, size: size}
}

// OpenDisk opens an image file as a read-only disk.
func OpenDisk(path string) (*Disk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("devices: open disk image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("devices: stat disk image: %w", err)
	}
	return &Disk{r: f, size: st.Size(), closer: f}, nil
}

// ReadAt implements io.ReaderAt, clamped to the image size.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	if off >= d.size {
		return 0, io.EOF
	}
	if max := d.size - off; int64(len(p)) > max {
		p = p[:max]
	}
	return d.r.ReadAt(p, off)
}

// Size returns the image size in bytes.
func (d *Disk) Size() int64 { return d.size }

// Close releases the underlying image file, if this disk owns one.
func (d *Disk) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
