package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbus/flowbus/event"
)

type nopListener struct{}

func (nopListener) OnQueryStarted(event.QueryStartedEvent)       {}
func (nopListener) OnQueryProgress(event.QueryProgressEvent)     {}
func (nopListener) OnQueryTerminated(event.QueryTerminatedEvent) {}

func TestRegistryInsertionOrder(t *testing.T) {
	r := newRegistry()
	r.add("h1", nopListener{})
	r.add("h2", nopListener{})
	r.add("h3", nopListener{})

	assert.Equal(t, []Handle{"h1", "h2", "h3"}, r.handles())

	snap := r.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, Handle("h1"), snap[0].handle)
	assert.Equal(t, Handle("h3"), snap[2].handle)
}

func TestRegistryRemove(t *testing.T) {
	r := newRegistry()
	r.add("h1", nopListener{})
	r.add("h2", nopListener{})
	r.add("h3", nopListener{})

	assert.True(t, r.remove("h2"))
	assert.Equal(t, []Handle{"h1", "h3"}, r.handles())

	assert.False(t, r.remove("h2"), "second remove of the same handle")
	assert.False(t, r.remove("nope"), "remove of an unknown handle")
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	r := newRegistry()
	r.add("h1", nopListener{})
	r.add("h2", nopListener{})

	snap := r.snapshot()
	r.remove("h1")
	r.add("h3", nopListener{})

	require.Len(t, snap, 2)
	assert.Equal(t, Handle("h1"), snap[0].handle)
	assert.Equal(t, Handle("h2"), snap[1].handle)
}

func TestRegistryClear(t *testing.T) {
	r := newRegistry()
	r.add("h1", nopListener{})
	r.clear()
	assert.Empty(t, r.handles())
	assert.Empty(t, r.snapshot())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := Handle(fmt.Sprintf("h-%d-%d", n, j))
				r.add(h, nopListener{})
				r.snapshot()
				r.remove(h)
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, r.handles())
}
