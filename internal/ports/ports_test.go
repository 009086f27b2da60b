package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateLowestFirst(t *testing.T) {
	a := NewAllocator(9000, 9002)

	p1, err := a.Allocate()
	require.NoError(t, err)
	p2, err := a.Allocate()
	require.NoError(t, err)
	p3, err := a.Allocate()
	require.NoError(t, err)

	assert.Equal(t, []int{9000, 9001, 9002}, []int{p1, p2, p3})
	assert.Equal(t, 3, a.InUse())
	assert.Equal(t, 0, a.Free())
}

func TestExhausted(t *testing.T) {
	a := NewAllocator(9000, 9000)
	_, err := a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReleaseReturnsLowest(t *testing.T) {
	a := NewAllocator(9000, 9002)
	a.Allocate() // 9000
	a.Allocate() // 9001
	a.Allocate() // 9002

	a.Release(9001)
	p, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 9001, p)
}

func TestDoubleReleaseNoOp(t *testing.T) {
	a := NewAllocator(9000, 9001)
	p, _ := a.Allocate()

	a.Release(p)
	a.Release(p)
	a.Release(4242) // outside range, never allocated

	assert.Equal(t, 0, a.InUse())
	assert.Equal(t, 2, a.Free())

	p1, _ := a.Allocate()
	p2, _ := a.Allocate()
	assert.Equal(t, 9000, p1)
	assert.Equal(t, 9001, p2)
	_, err := a.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestConcurrentAllocateRelease(t *testing.T) {
	a := NewAllocator(9000, 9049)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				p, err := a.Allocate()
				if err == nil {
					a.Release(p)
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 0, a.InUse())
	assert.Equal(t, 50, a.Free())
}
