//go:build !linux

package stack

import (
	"errors"
	"io"
)

// OpenUserChannel is only available on Linux.
func OpenUserChannel(dev uint16) (io.ReadWriteCloser, error) {
	return nil, errors.New("stack: HCI user channel requires linux")
}
