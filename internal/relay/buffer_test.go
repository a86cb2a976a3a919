package relay

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_fifoAcrossChunkBoundaries(t *testing.T) {
	b := NewBuffer(100)
	b.Push([]byte("abc"))
	b.Push([]byte("defg"))

	assert.Equal(t, []byte("ab"), b.Take(2))
	assert.Equal(t, []byte("cde"), b.Take(3))
	assert.Equal(t, []byte("fg"), b.Take(10))
	assert.Nil(t, b.Take(1))
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_evictsOldestWhenFull(t *testing.T) {
	b := NewBuffer(10)

	assert.Equal(t, 0, b.Push([]byte("012345")))
	assert.Equal(t, 0, b.Push([]byte("6789")))
	assert.Equal(t, 3, b.Push([]byte("abc")))

	assert.Equal(t, 10, b.Len())
	assert.Equal(t, []byte("3456789abc"), b.Take(100))
	assert.EqualValues(t, 3, b.Dropped())
}

func TestBuffer_neverExceedsMax(t *testing.T) {
	const max = 64
	b := NewBuffer(max)

	total := 0
	for i := 1; i <= 50; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, i%17+1)
		total += len(chunk)
		b.Push(chunk)
		require.LessOrEqual(t, b.Len(), max)
	}
	assert.EqualValues(t, total-b.Len(), b.Dropped())
}

func TestBuffer_chunkLargerThanBuffer(t *testing.T) {
	b := NewBuffer(4)
	b.Push([]byte("xy"))

	evicted := b.Push([]byte("abcdefgh"))

	assert.Equal(t, 6, evicted)
	assert.Equal(t, []byte("efgh"), b.Take(4))
}

func TestBuffer_pushCopiesInput(t *testing.T) {
	b := NewBuffer(8)
	chunk := []byte("live")
	b.Push(chunk)
	chunk[0] = 'X'

	assert.Equal(t, []byte("live"), b.Take(4))
}

func TestBuffer_concurrentPushTake(t *testing.T) {
	b := NewBuffer(1 << 10)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Push([]byte("0123456789"))
		}
	}()
	taken := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			taken += len(b.Take(7))
		}
	}()
	wg.Wait()

	assert.EqualValues(t, 10000, int64(taken)+int64(b.Len())+b.Dropped())
}
