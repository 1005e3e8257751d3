package slot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	acquires, releases map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{acquires: map[string]int{}, releases: map[string]int{}}
}

func (c *countingRecorder) IncAcquire(pool string) { c.acquires[pool]++ }
func (c *countingRecorder) IncRelease(pool string) { c.releases[pool]++ }

func TestFixedPoolAcquireReleaseBalance(t *testing.T) {
	rec := newCountingRecorder()
	p := NewFixedPool("server.network", 2, 64, rec)

	s1, ok := p.Acquire(1)
	require.True(t, ok)
	require.Equal(t, 64, len(s1.Bytes()))

	s2, ok := p.Acquire(2)
	require.True(t, ok)

	_, ok = p.Acquire(3)
	require.False(t, ok, "pool exhausted should report NoSlot")
	require.Equal(t, 2, p.Held())

	s1.Release()
	require.Equal(t, 1, p.Held())

	s3, ok := p.Acquire(3)
	require.True(t, ok, "released slot must become available again")

	s2.Release()
	s3.Release()
	require.Equal(t, 0, p.Held())

	require.Equal(t, 3, rec.acquires["server.network"])
	require.Equal(t, 3, rec.releases["server.network"])
}

func TestFixedPoolReleaseIsIdempotent(t *testing.T) {
	rec := newCountingRecorder()
	p := NewFixedPool("server.application", 1, 16, rec)

	s, ok := p.Acquire(1)
	require.True(t, ok)

	s.Release()
	s.Release() // double release must not double-count or corrupt the free-list

	require.Equal(t, 0, p.Held())
	require.Equal(t, 1, rec.releases["server.application"])

	_, ok = p.Acquire(2)
	require.True(t, ok)
}
