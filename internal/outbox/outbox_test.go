package outbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New(4)
	for i := 0; i < 3; i++ {
		require.True(t, q.Push([]byte(fmt.Sprint(i))))
	}

	for i := 0; i < 3; i++ {
		msg, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), string(msg))
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := New(DefaultCapacity)
	for i := 0; i < DefaultCapacity; i++ {
		require.True(t, q.Push([]byte("x")))
	}

	assert.False(t, q.Push([]byte("overflow")))
	assert.Equal(t, DefaultCapacity, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestFlushPutsFailedMessageBack(t *testing.T) {
	q := New(8)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))

	var got []string
	errSend := errors.New("write failed")
	sent, err := q.Flush(func(msg []byte) error {
		if string(msg) == "b" {
			return errSend
		}
		got = append(got, string(msg))
		return nil
	})

	assert.ErrorIs(t, err, errSend)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"a"}, got)
	require.Equal(t, 2, q.Len())

	head, _ := q.Pop()
	assert.Equal(t, "b", string(head))
}

func TestFlushDrains(t *testing.T) {
	q := New(8)
	q.Push([]byte("a"))
	q.Push([]byte("b"))

	var got []string
	sent, err := q.Flush(func(msg []byte) error {
		got = append(got, string(msg))
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestClear(t *testing.T) {
	q := New(8)
	q.Push([]byte("a"))
	q.Push([]byte("b"))

	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Len())
}
