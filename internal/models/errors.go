package models

import "errors"

var (
	// ErrChannelConfig indicates a channel's provider config does not match
	// its declared provider.
	ErrChannelConfig = errors.New("channel configuration does not match provider")

	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by repositories when an insert violates a
	// uniqueness constraint.
	ErrDuplicate = errors.New("duplicate row")
)
