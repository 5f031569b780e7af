package channel

import (
	"slices"
	"time"
)

type Partitioner[T any] func(T) (string, error)

type BatchOptions[T any] struct {
	// MaxSize is the maximum number of items to batch together.
	MaxSize int

	// MaxWait is the maximum amount of time to wait before sending a batch.
	MaxWait time.Duration

	// PartitionBy is a function that returns a string key to partition the batch.
	// It can be used to batch items together that share a common key.
	// If PartitionBy is nil, all items are batched together.
	PartitionBy Partitioner[T]
}

func (o *BatchOptions[T]) defaults() {
	if o.MaxSize == 0 {
		o.MaxSize = 100
	}

	if o.MaxWait == 0 {
		o.MaxWait = 60 * time.Second
	}
}

type expiry struct {
	key        string
	generation int
}

// Batch groups items of in into slices of at most MaxSize items per partition.
// A partial batch is sent once MaxWait has elapsed since its first item, and all
// pending batches are sent, in key order, when in is closed.
func Batch[T any](in <-chan T, opts BatchOptions[T]) (<-chan []T, <-chan error) {
	opts.defaults()

	out := make(chan []T)
	errc := make(chan error, 1)
	go func() {
		done := make(chan struct{})
		defer close(out)
		defer close(errc)
		defer close(done)

		batches := make(map[string][]T)
		timers := make(map[string]*time.Timer)
		generations := make(map[string]int)
		expired := make(chan expiry)

		flush := func(key string) {
			if timer, ok := timers[key]; ok {
				timer.Stop()
				delete(timers, key)
			}
			generations[key]++

			batch := batches[key]
			delete(batches, key)
			if len(batch) > 0 {
				out <- batch
			}
		}

		for {
			select {
			case item, ok := <-in:
				if !ok {
					keys := make([]string, 0, len(batches))
					for key := range batches {
						keys = append(keys, key)
					}
					slices.Sort(keys)
					for _, key := range keys {
						flush(key)
					}
					return
				}

				key := ""
				if opts.PartitionBy != nil {
					var err error
					key, err = opts.PartitionBy(item)
					if err != nil {
						errc <- err
						continue
					}
				}

				batches[key] = append(batches[key], item)
				if len(batches[key]) >= opts.MaxSize {
					flush(key)
					continue
				}

				if _, ok := timers[key]; !ok {
					e := expiry{key: key, generation: generations[key]}
					timers[key] = time.AfterFunc(opts.MaxWait, func() {
						select {
						case expired <- e:
						case <-done:
						}
					})
				}
			case e := <-expired:
				if generations[e.key] == e.generation {
					flush(e.key)
				}
			}
		}
	}()
	return out, errc
}
