package bucketheap

import "errors"

var (
	ErrOutOfMemory  = errors.New("out of memory")
	ErrBadAlignment = errors.New("alignment is not a power of two")
	ErrBadPageSize  = errors.New("provider page size is not a usable power of two")
)
