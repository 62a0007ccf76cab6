//go:build !windows

package canbus

// LoadKvaserAPI reports ErrLibraryUnavailable: CANlib is only loaded
// dynamically on Windows.
func LoadKvaserAPI() (KvaserAPI, error) {
	return nil, ErrLibraryUnavailable
}
