//go:build !windows

package canbus

// LoadICSAPI reports ErrLibraryUnavailable: the Intrepid C library is only
// loaded dynamically on Windows.
func LoadICSAPI() (ICSAPI, error) {
	return nil, ErrLibraryUnavailable
}
