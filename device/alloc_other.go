// alloc_other.go - Fallback fuer Plattformen ohne mmap/mlock

//go:build !unix

package device

func allocPinned(size uint64) ([]byte, error) {
	return nil, ErrAllocFailed
}

func freePinned(buf []byte) error {
	return ErrFreeFailed
}
