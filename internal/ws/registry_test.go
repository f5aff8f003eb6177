package ws

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSub records every payload pushed to it.
type fakeSub struct {
	id  string
	err error

	mu       sync.Mutex
	received [][]byte
}

func newFakeSub(id string) *fakeSub { return &fakeSub{id: id} }

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Push(payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, payload)
	return nil
}

func (f *fakeSub) payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received...)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	sub := newFakeSub("c1")

	require.True(t, reg.Register(sub))
	require.False(t, reg.Register(sub))
	require.False(t, reg.Register(newFakeSub("c1")))
	require.Equal(t, 1, reg.Len())
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	reg := NewRegistry()
	require.False(t, reg.Unregister("missing"))

	reg.Register(newFakeSub("c1"))
	require.True(t, reg.Unregister("c1"))
	require.False(t, reg.Unregister("c1"))
	require.Equal(t, 0, reg.Len())
}

func TestRegistry_ForEachVisitsEachOnce(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 5; i++ {
		reg.Register(newFakeSub(fmt.Sprintf("c%d", i)))
	}
	reg.Unregister("c2")

	seen := map[string]int{}
	reg.ForEach(func(s Subscriber) { seen[s.ID()]++ })

	require.Equal(t, map[string]int{"c0": 1, "c1": 1, "c3": 1, "c4": 1}, seen)
}

func TestRegistry_ConcurrentMembership(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	numClients := 50

	for i := 0; i < numClients; i++ {
		wg.Add(2)
		id := fmt.Sprintf("c%d", i)
		go func() {
			defer wg.Done()
			reg.Register(newFakeSub(id))
		}()
		go func() {
			defer wg.Done()
			reg.ForEach(func(Subscriber) {})
		}()
	}
	wg.Wait()
	require.Equal(t, numClients, reg.Len())

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		id := fmt.Sprintf("c%d", i)
		go func() {
			defer wg.Done()
			reg.Unregister(id)
		}()
	}
	wg.Wait()
	require.Equal(t, 0, reg.Len())
}
