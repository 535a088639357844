package chain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a backend or by the generator wraps
// exactly one of these, so callers can branch with errors.Is.
var (
	// ErrConfiguration marks invalid parameters detected at construction or
	// call time.
	ErrConfiguration = errors.New("configuration error")

	// ErrIO marks a persistent store that could not be opened.
	ErrIO = errors.New("i/o error")

	// ErrStorage marks a runtime failure of an insert, lookup or prune.
	ErrStorage = errors.New("storage error")

	// ErrUnsupported marks a capability that was not compiled in or not
	// registered.
	ErrUnsupported = errors.New("unsupported")

	// ErrLookSize is returned by Backend.Bind when the store was built with
	// another look size.
	ErrLookSize = fmt.Errorf("look size differs from the stored chain: %w", ErrConfiguration)
)

// CheckLookSize compares a requested look size with the stored one. A
// stored size of zero means none was recorded yet.
func CheckLookSize(stored, requested int) error {
	if stored != 0 && stored != requested {
		return fmt.Errorf("%w: stored %d, requested %d", ErrLookSize, stored, requested)
	}
	return nil
}

// StorageError wraps err as an ErrStorage for the named operation.
func StorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IOError wraps err as an ErrIO for the named target.
func IOError(target string, err error) error {
	return fmt.Errorf("open %s: %w: %w", target, ErrIO, err)
}
