//go:build linux

package stack

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	hciChannelUser = 1
	hciDevDown     = 0x400448CA // _IOW('H', 202, int)
)

// OpenUserChannel takes exclusive ownership of controller hciN through the
// kernel's HCI user channel. The device is brought down first; the kernel
// refuses the bind while it is up or still claimed by bluetoothd.
func OpenUserChannel(dev uint16) (io.ReadWriteCloser, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_HCI)
	if err != nil {
		return nil, fmt.Errorf("stack: hci socket: %w", err)
	}

	// best effort: fails harmlessly if already down
	_ = unix.IoctlSetInt(fd, hciDevDown, int(dev))

	sa := &unix.SockaddrHCI{Dev: dev, Channel: hciChannelUser}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stack: bind hci%d user channel: %w", dev, err)
	}
	// A non-blocking fd gives a pollable file, so Close unblocks Read.
	return os.NewFile(uintptr(fd), fmt.Sprintf("hci%d", dev)), nil
}
