package format

import (
	"bytes"
	"io"

	"github.com/goccy/go-json"
)

// JSONEachRowReader streams values as newline separated JSON objects,
// the body format of ClickHouse's JSONEachRow inserts.
// Values are marshaled lazily, one at a time, as the reader is drained.
type JSONEachRowReader[T any] struct {
	values []T
	next   int
	buffer bytes.Buffer
	err    error
}

// NewJSONEachRowReader creates a new JSONEachRowReader from a slice of values
func NewJSONEachRowReader[T any](values []T) *JSONEachRowReader[T] {
	return &JSONEachRowReader[T]{
		values: values,
	}
}

// Len returns the number of values the reader was built with.
func (r *JSONEachRowReader[T]) Len() int {
	return len(r.values)
}

// Add adds a value to the reader. Values added after reading started are ignored.
func (r *JSONEachRowReader[T]) Add(value T) {
	if r.next > 0 {
		return
	}
	r.values = append(r.values, value)
}

func (r *JSONEachRowReader[T]) fill(want int) error {
	for r.buffer.Len() < want && r.next < len(r.values) {
		if r.next > 0 {
			r.buffer.WriteByte('\n')
		}

		jsonBytes, err := json.Marshal(r.values[r.next])
		if err != nil {
			return err
		}
		r.buffer.Write(jsonBytes)
		r.next++
	}
	return nil
}

func (r *JSONEachRowReader[T]) Read(p []byte) (n int, err error) {
	if r.err != nil {
		return 0, r.err
	}

	if err := r.fill(len(p)); err != nil {
		r.err = err
		return 0, err
	}

	if r.buffer.Len() == 0 {
		return 0, io.EOF
	}

	return r.buffer.Read(p)
}
