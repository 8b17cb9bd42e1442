package iterator

import "lsmkv/pkg/types"

type skipTombstones struct {
	Iterator
}

// SkipTombstones hides deletion markers produced by it.
func SkipTombstones(it Iterator) Iterator {
	s := &skipTombstones{Iterator: it}
	s.skip()
	return s
}

func (s *skipTombstones) Next() {
	s.Iterator.Next()
	s.skip()
}

func (s *skipTombstones) skip() {
	for s.Iterator.Valid() && s.Iterator.Entry().Tombstone {
		s.Iterator.Next()
	}
}

// cloning copies every entry out of it so results survive Close.
type cloning struct {
	Iterator
}

// Cloning returns an iterator whose entries do not alias the memory of it.
func Cloning(it Iterator) Iterator {
	return &cloning{Iterator: it}
}

func (c *cloning) Entry() types.Entry {
	return c.Iterator.Entry().Clone()
}

type onClose struct {
	Iterator
	fn     func()
	closed bool
}

// OnClose runs fn once, after it has been closed.
func OnClose(it Iterator, fn func()) Iterator {
	return &onClose{Iterator: it, fn: fn}
}

func (o *onClose) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	err := o.Iterator.Close()
	o.fn()
	return err
}
