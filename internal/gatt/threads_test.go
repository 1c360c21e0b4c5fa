package gatt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadManager_AccumulatesInOrder(t *testing.T) {
	tm := NewThreadManager(testLogger().WithField("test", t.Name()))

	tm.Add("batch-1", &Response{Data: []byte{1}, ReceivedAt: time.Now()})
	tm.Add("batch-1", &Response{Data: []byte{2}, ReceivedAt: time.Now()})
	tm.Add("batch-1", &Response{Data: []byte{3}, ReceivedAt: time.Now()})

	assert.True(t, tm.Has("batch-1"))
	assert.Equal(t, 3, tm.Len("batch-1"))

	parts, err := tm.Resolve("batch-1")
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, []byte{1}, parts[0].Data)
	assert.Equal(t, []byte{2}, parts[1].Data)
	assert.Equal(t, []byte{3}, parts[2].Data)
}

func TestThreadManager_ResolveConsumesThread(t *testing.T) {
	tm := NewThreadManager(testLogger().WithField("test", t.Name()))

	tm.Add("once", &Response{Data: []byte("only")})
	_, err := tm.Resolve("once")
	require.NoError(t, err)

	assert.False(t, tm.Has("once"))
	_, err = tm.Resolve("once")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindResponse))
}

func TestThreadManager_ResolveUnknownThread(t *testing.T) {
	tm := NewThreadManager(testLogger().WithField("test", t.Name()))

	_, err := tm.Resolve("never-created")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindResponse))
	assert.Contains(t, err.Error(), "never-created")
}

func TestThreadManager_IndependentThreads(t *testing.T) {
	tm := NewThreadManager(testLogger().WithField("test", t.Name()))

	tm.Add("a", &Response{Data: []byte("a1")})
	tm.Add("b", &Response{Data: []byte("b1")})
	tm.Add("a", &Response{Data: []byte("a2")})

	assert.Equal(t, 2, tm.Len("a"))
	assert.Equal(t, 1, tm.Len("b"))
	assert.Equal(t, 0, tm.Len("absent"))

	parts, err := tm.Resolve("a")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []byte("a1"), parts[0].Data)

	// Resolving one thread leaves the other untouched.
	assert.True(t, tm.Has("b"))
	parts, err = tm.Resolve("b")
	require.NoError(t, err)
	require.Len(t, parts, 1)
}

func TestThreadManager_ConcurrentAdds(t *testing.T) {
	tm := NewThreadManager(testLogger().WithField("test", t.Name()))

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				tm.Add("shared", &Response{Data: []byte{byte(i)}})
			}
		}()
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	parts, err := tm.Resolve("shared")
	require.NoError(t, err)
	assert.Len(t, parts, 200)
}
