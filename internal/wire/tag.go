package wire

import (
	"fmt"
	"sync/atomic"
)

// TagGen assigns monotonically increasing command tags for one
// connection: A0001, A0002, and so on. The zero value is ready to use.
type TagGen struct {
	n uint64
}

// Next returns the next tag.
func (g *TagGen) Next() string {
	return fmt.Sprintf("A%04d", atomic.AddUint64(&g.n, 1))
}
