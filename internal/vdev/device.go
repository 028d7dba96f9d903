// Package vdev provides the virtual device layer: file-backed block devices
// with bounded retries, and the superblock that anchors recovery.
package vdev

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/jwuensche/haura/internal/metrics"
)

// DataStart is the first usable byte offset on every device. The region
// below it is reserved for the superblock on the primary device and kept
// unused on the others so all devices share one address layout.
const DataStart = 4096

// ErrIO marks a device read or write that kept failing after retries.
var ErrIO = errors.New("device io error")

// Device is a randomly addressable block device.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
	Capacity() int64
	Path() string
}

// FileDevice implements Device on a regular file or block special file.
type FileDevice struct {
	f        *os.File
	path     string
	capacity int64
}

// Open opens (or creates) a file-backed device with the given capacity.
// Existing contents are preserved.
func Open(path string, capacity int64) (*FileDevice, error) {
	if capacity <= DataStart {
		return nil, fmt.Errorf("device %s: capacity %d below minimum %d", path, capacity, DataStart)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening device %s: %w", path, err)
	}
	return &FileDevice{f: f, path: path, capacity: capacity}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *FileDevice) Sync() error                              { return d.f.Sync() }
func (d *FileDevice) Close() error                             { return d.f.Close() }
func (d *FileDevice) Capacity() int64                          { return d.capacity }
func (d *FileDevice) Path() string                             { return d.path }

// WriteFull writes p at off, retrying transient failures up to retries times.
// After the final failure the error wraps ErrIO so callers can decide on
// tier failover.
func WriteFull(dev Device, p []byte, off int64, retries int, logger *zap.Logger) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			metrics.WriteRetries.Inc()
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
			if logger != nil {
				logger.Warn("retrying device write",
					zap.String("device", dev.Path()),
					zap.Int64("offset", off),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
			}
		}
		_, err = dev.WriteAt(p, off)
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("writing %d bytes to %s at %d: %w: %w", len(p), dev.Path(), off, ErrIO, err)
}

// ReadFull reads len(p) bytes at off, retrying transient failures.
func ReadFull(dev Device, p []byte, off int64, retries int) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
		}
		_, err = dev.ReadAt(p, off)
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("reading %d bytes from %s at %d: %w: %w", len(p), dev.Path(), off, ErrIO, err)
}
