package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_GetReturnsClean(t *testing.T) {
	p := New()
	b := p.Get()
	require.NotNil(t, b)
	assert.Equal(t, 0, len(b.Data))
	assert.True(t, cap(b.Data) >= SlabSize)
}

func TestPool_ReleasedOnlyAfterAllHoldersDrop(t *testing.T) {
	p := New()
	b := p.Get()
	b.Data = append(b.Data, []byte("payload")...)

	b.Retain() // second holder, e.g. the entry decoder

	b.Release() // assembler is done
	assert.Equal(t, []byte("payload"), b.Data, "buffer must survive while a reference remains")

	b.Release() // entry decoder is done
	assert.Equal(t, 0, len(b.Data), "buffer is reset once the last reference drops")
}

func TestPool_RecycledBufferIsEmptyAndUsable(t *testing.T) {
	p := New()
	b1 := p.Get()
	b1.Data = append(b1.Data, 1, 2, 3)
	b1.Release()

	b2 := p.Get()
	assert.Equal(t, 0, len(b2.Data), "a recycled buffer must come back empty")
	b2.Data = append(b2.Data, 4, 5)
	assert.Equal(t, []byte{4, 5}, b2.Data)
}
