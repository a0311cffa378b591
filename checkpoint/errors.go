package checkpoint

import "errors"

var (
	// ErrStorage marks failures reported by the backing engine. Callers own the retry policy.
	ErrStorage = errors.New("checkpoint storage failure")

	// ErrSerialization marks payloads that could not be encoded or decoded.
	ErrSerialization = errors.New("checkpoint serialization failure")

	// ErrInvalidConfig is returned when a Config cannot address anything.
	ErrInvalidConfig = errors.New("invalid checkpoint config")

	// ErrClosed is returned by an AsyncStore after Close.
	ErrClosed = errors.New("checkpoint store closed")
)

// IsStorageError reports whether err came from the backing engine.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsSerializationError reports whether err came from the serializer.
func IsSerializationError(err error) bool {
	return errors.Is(err, ErrSerialization)
}
