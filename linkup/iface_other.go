//go:build !linux

package linkup

// IsInterfaceUp is only implemented on Linux.
func IsInterfaceUp(name string) (bool, error) {
	return false, ErrUnsupported
}

// RequireCapNetAdmin returns err unchanged outside Linux.
func RequireCapNetAdmin(err error) error { return err }
