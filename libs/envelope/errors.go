package envelope

import (
	"errors"
	"fmt"
)

// ValidationError reports a missing or malformed envelope field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	msg := "envelope validation failed"
	if e != nil && e.Field != "" {
		msg += ": " + e.Field
	}
	if e != nil && e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// MalformedEnvelopeError reports bytes that cannot be read as an envelope.
type MalformedEnvelopeError struct {
	Err error
}

func (e *MalformedEnvelopeError) Error() string {
	if e == nil || e.Err == nil {
		return "malformed envelope"
	}
	return "malformed envelope: " + e.Err.Error()
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

// UnsupportedSchemaError reports a schema_version whose major part is newer
// than the running code understands.
type UnsupportedSchemaError struct {
	Version  string
	MaxMajor int
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("unsupported schema_version %q (max major %d)", e.Version, e.MaxMajor)
}

// IsPermanent reports whether err is an envelope-level failure that retrying
// cannot fix.
func IsPermanent(err error) bool {
	var (
		validation  *ValidationError
		malformed   *MalformedEnvelopeError
		unsupported *UnsupportedSchemaError
	)
	return errors.As(err, &validation) || errors.As(err, &malformed) || errors.As(err, &unsupported)
}
