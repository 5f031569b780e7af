package channel

// Buffered decouples a producer from its consumer: up to size items are held
// while the consumer is busy. The returned channel closes after in does.
func Buffered[T any](in <-chan T, size int) <-chan T {
	out := make(chan T, size)
	go func() {
		defer close(out)
		for item := range in {
			out <- item
		}
	}()
	return out
}
