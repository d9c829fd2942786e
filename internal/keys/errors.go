package keys

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a private key is requested before its pair was created.
	ErrNotFound = errors.New("key not found")
	// ErrStorageWriteFailed is returned when a key blob could not be persisted.
	ErrStorageWriteFailed = errors.New("key storage write failed")
	// ErrDecryptionFailed is returned when an envelope does not authenticate.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrKeyPairConflict is returned when the stored halves do not form one pair after a
	// write, because another producer is writing the same object key.
	ErrKeyPairConflict = errors.New("key pair conflict")
)

// Side identifies one half of a key pair.
type Side string

const (
	SidePublic  Side = "public"
	SidePrivate Side = "private"
)

// StorageWriteError records which half of a key pair failed to persist, so operators
// can tell a half-written pair apart from a clean failure.
type StorageWriteError struct {
	Side      Side
	ObjectKey string
	Err       error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("failed to store %s key for %s: %v", e.Side, e.ObjectKey, e.Err)
}

func (e *StorageWriteError) Is(target error) bool {
	return target == ErrStorageWriteFailed
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}
