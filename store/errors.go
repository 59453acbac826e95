package store

import (
	"errors"
)

// Errors returned by store operations. Callers match with errors.Is. Structural
// and rights checks complete before any mutation, so a returned error means no
// visible partial state. Unexpected persistence faults are returned wrapped,
// not as one of these sentinels, and abort the enclosing transaction.
var (
	ErrPermission      = errors.New("permission denied")
	ErrInvalidName     = errors.New("invalid name")
	ErrAlreadyExists   = errors.New("name already in use")
	ErrCannotTag       = errors.New("cannot tag item")
	ErrCannotCopy      = errors.New("cannot copy item")
	ErrCannotContain   = errors.New("folder cannot contain item")
	ErrCannotParent    = errors.New("item cannot have children")
	ErrCannotRename    = errors.New("cannot rename item")
	ErrCannotLock      = errors.New("cannot lock item")
	ErrImmutable       = errors.New("immutable item")
	ErrTooMuchMetadata = errors.New("metadata too large")
	ErrNoSuchItem      = errors.New("no such item")
	ErrNoSuchFolder    = errors.New("no such folder")
	ErrNoSuchTag       = errors.New("no such tag")
	ErrNoSuchRevision  = errors.New("no such revision")
	ErrNoSuchBlob      = errors.New("no such blob")
	ErrWrongKind       = errors.New("item has wrong kind")
	ErrClosed          = errors.New("mailbox is closed")
)
