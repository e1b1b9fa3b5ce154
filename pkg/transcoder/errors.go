package transcoder

import "errors"

// Encode errors. These indicate programmer error and are always returned.
var (
	ErrNilValue         = errors.New("transcoder: cannot encode nil value")
	ErrUnsupportedValue = errors.New("transcoder: value cannot be serialized")
)

// Decode errors. ErrFormat and ErrDecompress are returned by Decode;
// ErrIncompatibleType and ErrCorruptStream are logged and surface as an absent value.
var (
	ErrFormat           = errors.New("transcoder: malformed payload")
	ErrDecompress       = errors.New("transcoder: payload could not be decompressed")
	ErrIncompatibleType = errors.New("transcoder: stored type is not known to this process")
	ErrCorruptStream    = errors.New("transcoder: corrupted generic stream")
)
