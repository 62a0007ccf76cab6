//go:build linux

package linkup

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// IsInterfaceUp reports whether the interface has IFF_UP set, using the
// SIOCGIFFLAGS ioctl on a throwaway datagram socket.
func IsInterfaceUp(name string) (bool, error) {
	flags, err := interfaceFlags(name)
	if err != nil {
		return false, err
	}
	return flags&unix.IFF_UP != 0, nil
}

func interfaceFlags(name string) (uint16, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, RequireCapNetAdmin(err)
	}
	return ifr.Uint16(), nil
}

// RequireCapNetAdmin adds guidance to EPERM failures.
func RequireCapNetAdmin(err error) error {
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}
