package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffered(t *testing.T) {
	t.Parallel()

	in := make(chan int)
	out := Buffered(in, 3)

	// The producer is not blocked while nothing reads out.
	for i := range 3 {
		in <- i
	}
	close(in)

	var got []int
	for v := range out {
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}
