//go:build linux

package hardware

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// i2c-dev ioctl selecting the target address.
const ioctlI2CSlave = 0x0703

// LinuxI2C is a drivers.I2C over a Linux /dev/i2c-N character device.
type LinuxI2C struct {
	mu   sync.Mutex
	fd   int
	path string
	addr int
}

// OpenLinuxI2C opens the bus device at path, e.g. /dev/i2c-1.
func OpenLinuxI2C(path string) (*LinuxI2C, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("i2c: open %s: %w", path, err)
	}
	return &LinuxI2C{fd: fd, path: path, addr: -1}, nil
}

// Tx writes w then reads len(r) bytes from addr.
func (b *LinuxI2C) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(addr) != b.addr {
		if err := unix.IoctlSetInt(b.fd, ioctlI2CSlave, int(addr)); err != nil {
			return fmt.Errorf("i2c: %s select %#x: %w", b.path, addr, err)
		}
		b.addr = int(addr)
	}
	if len(w) > 0 {
		if _, err := unix.Write(b.fd, w); err != nil {
			return fmt.Errorf("i2c: %s write %#x: %w", b.path, addr, err)
		}
	}
	if len(r) > 0 {
		n, err := unix.Read(b.fd, r)
		if err != nil {
			return fmt.Errorf("i2c: %s read %#x: %w", b.path, addr, err)
		}
		if n != len(r) {
			return fmt.Errorf("i2c: %s read %#x: short read %d/%d", b.path, addr, n, len(r))
		}
	}
	return nil
}

// Close releases the device.
func (b *LinuxI2C) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return unix.Close(b.fd)
}

// OpenI2C opens the platform I2C bus at path.
func OpenI2C(path string) (Bus, error) {
	b, err := OpenLinuxI2C(path)
	if err != nil {
		return nil, err
	}
	return b, nil
}
