// Package errdefs defines the error categories every volreg failure is
// reported under. Callers test for them with errors.Is.
package errdefs

import "errors"

var (
	// ErrConfig marks invalid option combinations. It is always raised
	// before any file is read.
	ErrConfig = errors.New("configuration error")

	// ErrShape marks volumes whose dimensionality cannot be registered.
	ErrShape = errors.New("input shape error")

	// ErrGeometry marks malformed or singular affines and bad orientation codes.
	ErrGeometry = errors.New("geometry error")

	// ErrIO marks unreadable or malformed files and missing resources.
	ErrIO = errors.New("i/o error")
)
