//go:build !windows

package remote

// Open is only implemented on Windows.
func Open(pid uint32) (Process, error) {
	return nil, &Error{Kind: OpenFailed, Op: "OpenProcess", Err: ErrUnsupported}
}

// LoadLibraryEntry is only implemented on Windows.
func LoadLibraryEntry() (Address, error) {
	return 0, ErrUnsupported
}
