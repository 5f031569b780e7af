package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	t.Parallel()

	in := make(chan int)
	go func() {
		defer close(in)
		for i := 0; i < 10; i++ {
			in <- i
		}
	}()

	var got []int
	for v := range Filter(in, func(i int) bool { return i%2 == 0 }) {
		got = append(got, v)
	}

	assert.Equal(t, []int{0, 2, 4, 6, 8}, got)
}
