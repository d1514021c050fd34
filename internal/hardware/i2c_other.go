//go:build !linux

package hardware

import (
	"errors"
	"fmt"
)

var errNoI2C = errors.New("i2c-dev is only available on linux")

// OpenI2C opens the platform I2C bus at path.
func OpenI2C(path string) (Bus, error) {
	return nil, fmt.Errorf("i2c: open %s: %w", path, errNoI2C)
}
