package format

import (
	"bytes"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEachRowReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		values   []any
		expected string
	}{
		{
			name:     "single value",
			values:   []any{map[string]string{"key": "value"}},
			expected: `{"key":"value"}`,
		},
		{
			name: "newline between values",
			values: []any{
				map[string]string{"key1": "value1"},
				map[string]string{"key2": "value2"},
				map[string]string{"key3": "value3"},
			},
			expected: "{\"key1\":\"value1\"}\n{\"key2\":\"value2\"}\n{\"key3\":\"value3\"}",
		},
		{
			name: "nested values",
			values: []any{
				map[string]any{"nested": map[string]any{"array": []int{1, 2, 3}}},
				[]any{1, "string", true, nil},
			},
			expected: "{\"nested\":{\"array\":[1,2,3]}}\n[1,\"string\",true,null]",
		},
		{
			name:     "empty",
			values:   []any{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := io.ReadAll(NewJSONEachRowReader(tt.values))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(data))
		})
	}
}

func TestJSONEachRowReader_TypedRows(t *testing.T) {
	t.Parallel()

	type row struct {
		EntityID  string    `json:"entity_id"`
		VersionTS time.Time `json:"version_ts"`
	}

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewJSONEachRowReader([]row{{EntityID: "E1", VersionTS: ts}, {EntityID: "E2", VersionTS: ts}})
	assert.Equal(t, 2, r.Len())

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t,
		"{\"entity_id\":\"E1\",\"version_ts\":\"2024-05-01T12:00:00Z\"}\n{\"entity_id\":\"E2\",\"version_ts\":\"2024-05-01T12:00:00Z\"}",
		string(data))
}

func TestJSONEachRowReader_SmallBuffer(t *testing.T) {
	t.Parallel()

	large := strings.Repeat("a", 1000)
	r := NewJSONEachRowReader([]map[string]string{{"large": large}, {"key": "value"}})

	var buf bytes.Buffer
	small := make([]byte, 7)
	reads := 0
	for reads < 1000 {
		reads++
		n, err := r.Read(small)
		buf.Write(small[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	assert.Greater(t, reads, 2)
	assert.Equal(t, `{"large":"`+large+"\"}\n{\"key\":\"value\"}", buf.String())
}

func TestJSONEachRowReader_ExactBufferSize(t *testing.T) {
	t.Parallel()

	r := NewJSONEachRowReader([]map[string]string{{"key": "value"}})

	buf := make([]byte, 15)
	n, err := r.Read(buf)
	assert.Equal(t, 15, n)
	assert.NoError(t, err)
	assert.Equal(t, `{"key":"value"}`, string(buf))

	n, err = r.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestJSONEachRowReader_Add(t *testing.T) {
	t.Parallel()

	r := NewJSONEachRowReader[map[string]string](nil)
	r.Add(map[string]string{"key1": "value1"})
	r.Add(map[string]string{"key2": "value2"})

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "{\"key1\":\"value1\"}\n{\"key2\":\"value2\"}", string(data))

	r.Add(map[string]string{"key3": "value3"})
	n, err := r.Read(make([]byte, 10))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestJSONEachRowReader_MarshalError(t *testing.T) {
	t.Parallel()

	r := NewJSONEachRowReader([]float64{math.NaN()})
	_, err := io.ReadAll(r)
	require.Error(t, err)

	_, err = r.Read(make([]byte, 10))
	require.Error(t, err)
}
