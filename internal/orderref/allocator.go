// Package orderref allocates order references that correlate submitted orders with
// their venue acknowledgements and fills.
package orderref

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// Allocator hands out references "<prefix><counter>" with the counter running from
// base to max and wrapping back to base.
//
// A reference is reused only after a wrap. The configured range must be large enough
// that no order still in a pre-terminal state holds a reference when it comes round
// again; that is not checked here.
type Allocator struct {
	prefix string
	base   int64
	max    int64
	width  int
	last   atomic.Int64
}

// New creates an allocator. The first call to Next returns base.
func New(prefix string, base, max int64) *Allocator {
	if base < 0 {
		base = 0
	}
	if max <= base {
		max = base + 1
	}
	a := &Allocator{
		prefix: prefix,
		base:   base,
		max:    max,
		width:  len(strconv.FormatInt(max, 10)),
	}
	a.last.Store(base - 1)
	return a
}

// Next returns the next reference. Safe for concurrent use.
func (a *Allocator) Next() string {
	for {
		cur := a.last.Load()
		next := cur + 1
		if next > a.max || next < a.base {
			next = a.base
		}
		if a.last.CompareAndSwap(cur, next) {
			return a.format(next)
		}
	}
}

// Reset rewinds the counter so the next reference is base again.
func (a *Allocator) Reset() {
	a.last.Store(a.base - 1)
}

// Capacity is the number of distinct references before a wrap.
func (a *Allocator) Capacity() int64 {
	return a.max - a.base + 1
}

func (a *Allocator) format(n int64) string {
	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	b.Grow(len(a.prefix) + a.width)
	b.WriteString(a.prefix)
	for i := len(digits); i < a.width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(digits)
	return b.String()
}
