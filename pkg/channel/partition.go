package channel

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

// Lane maps key to one of n lanes. The mapping only depends on key and n.
func Lane(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Partition routes the items of in to n lanes by the hash of their key.
// Items sharing a key always go to the same lane and keep their input order.
// Routing stops when ctx is done; all lanes are closed when routing ends.
func Partition[T any](ctx context.Context, in <-chan T, n int, key func(T) string) []<-chan T {
	if n < 1 {
		n = 1
	}

	lanes := make([]chan T, n)
	out := make([]<-chan T, n)
	for i := range lanes {
		lanes[i] = make(chan T, 1)
		out[i] = lanes[i]
	}

	go func() {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-in:
				if !ok {
					return
				}
				select {
				case lanes[Lane(key(item), n)] <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
