package bucketheap

import "sync"

type Locker interface {
	sync.Locker
}

// nopLocker is for embedders that serialize heap access themselves.
type nopLocker struct{}

func (n *nopLocker) Lock() {
}

func (n *nopLocker) Unlock() {
}

func NopLocker() Locker {
	return &nopLocker{}
}
