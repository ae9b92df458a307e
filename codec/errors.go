package codec

import "github.com/pkg/errors"

var (
	// ErrEncoding is returned by Encode for an empty function name or an argument without a rule.
	ErrEncoding = errors.New("codec: encoding error")
	// ErrDecoding is returned by Decode for a malformed reply or a wire/expected type mismatch.
	ErrDecoding = errors.New("codec: decoding error")
	// ErrUnsupportedType marks a Go type with no encoding rule.
	ErrUnsupportedType = errors.New("codec: unsupported type")
)
