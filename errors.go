package txhash

import "errors"

// Errors returned by Store and Table operations, usually wrapped with the
// table id or bucket counts involved.
var (
	ErrInvalidBucketCount = errors.New("txhash: bucket count must be at least 1")
	ErrShrink             = errors.New("txhash: expand must increase the bucket count")
	ErrBucketMismatch     = errors.New("txhash: migrate requires equal bucket counts")
	ErrInvalidTableID     = errors.New("txhash: table id outside directory")
	ErrSameTable          = errors.New("txhash: cannot migrate a table into itself")
	ErrNoTable            = errors.New("txhash: no such table")
	ErrCorrupt            = errors.New("txhash: corrupt pool layout")
)
