package arena

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"unsafe"
)

func TestArena_AllocFree(t *testing.T) {
	a := New()
	b := a.Alloc(100, Host)
	require.NotNil(t, b)
	assert.Equal(t, 100, b.Len())
	assert.Len(t, b.Bytes(), 100)
	assert.Len(t, b.Float64s(), 12)
	assert.Equal(t, Host, b.Kind())
	assert.Zero(t, uintptr(unsafe.Pointer(&b.Bytes()[0]))%8, "buffer must be 8-byte aligned")

	// 100 bytes round up to 16 words
	assert.Equal(t, int64(128), a.InUse(Host))
	assert.Equal(t, 1, a.Outstanding())

	a.Free(b)
	assert.Equal(t, int64(0), a.InUse(Host))
	assert.Equal(t, 0, a.Outstanding())
	assert.Equal(t, int64(128), a.Stats().Cached[Host])
}

func TestArena_ReusesSizeClass(t *testing.T) {
	a := New()
	b := a.Alloc(120, Pinned)
	a.Free(b)

	c := a.Alloc(97, Pinned)
	assert.Same(t, b, c)
	assert.Equal(t, 97, c.Len())

	d := a.Alloc(120, Host)
	assert.NotSame(t, b, d, "kinds never share blocks")

	st := a.Stats()
	assert.Equal(t, int64(3), st.Allocs)
	assert.Equal(t, int64(1), st.Reuses)
	assert.Equal(t, 2, st.Outstanding)

	a.Release()
	assert.Equal(t, int64(0), a.Stats().Cached[Pinned])
}

func TestArena_SizeClass(t *testing.T) {
	testCases := []struct {
		nbytes int
		class  int
	}{
		{0, 0}, {1, 0}, {8, 0}, {9, 1}, {16, 1}, {17, 2}, {32, 2}, {33, 3}, {1024, 7}, {1025, 8},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.class, sizeClass(tc.nbytes), "nbytes=%d", tc.nbytes)
	}
}

func TestArena_Capacity(t *testing.T) {
	a := New()
	a.SetCapacity(Device, 256)

	b := a.Alloc(128, Device)
	_ = a.Alloc(64, Device)
	assert.Equal(t, int64(192), a.InUse(Device))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		ex, ok := r.(*ResourceExhaustion)
		require.True(t, ok, "panic value %T", r)
		assert.Equal(t, Device, ex.Kind)
		assert.Equal(t, int64(128), ex.Requested)
		assert.Equal(t, int64(192), ex.InUse)
		assert.Contains(t, ex.Error(), "exceeds capacity")

		// The host kind is not capped
		assert.NotPanics(t, func() { a.Free(a.Alloc(1<<20, Host)) })
		a.Free(b)
		assert.NotPanics(t, func() { a.Alloc(128, Device) })
	}()
	a.Alloc(100, Device)
}

func TestArena_Misuse(t *testing.T) {
	a, other := New(), New()
	b := a.Alloc(8, Host)

	assert.PanicsWithValue(t, "arena: buffer freed to a foreign arena", func() { other.Free(b) })
	a.Free(b)
	assert.PanicsWithValue(t, "arena: buffer freed twice", func() { a.Free(b) })
	assert.Panics(t, func() { a.Alloc(-1, Host) })
	assert.Panics(t, func() { a.Alloc(8, MemoryKind(9)) })
	assert.NotPanics(t, func() { a.Free(nil) })
}

func TestArena_ZeroLength(t *testing.T) {
	a := New()
	b := a.Alloc(0, Host)
	assert.Nil(t, b.Bytes())
	assert.Empty(t, b.Float64s())
	a.Free(b)
}

func TestArena_Concurrent(t *testing.T) {
	a := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b := a.Alloc(8*(1+(g+i)%32), MemoryKind(i%3))
				b.Float64s()[0] = float64(g)
				a.Free(b)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, a.Outstanding())
	for k := Host; k < numKinds; k++ {
		assert.Equal(t, int64(0), a.InUse(k))
	}
}

func TestParseMemoryKind(t *testing.T) {
	for name, want := range map[string]MemoryKind{"": Host, "host": Host, "Pinned": Pinned, "device": Device} {
		got, err := ParseMemoryKind(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if name != "" {
			assert.Equal(t, want.String(), got.String())
		}
	}
	_, err := ParseMemoryKind("managed")
	assert.Error(t, err)
}
