package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryRoundtrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, err := m.GetSessionID(ctx, "worker-1"); err != nil || ok {
		t.Fatalf("fresh store returned ok=%v err=%v", ok, err)
	}

	for _, id := range []string{"abc123", "def456", ""} {
		if err := m.SetSessionID(ctx, "worker-1", id); err != nil {
			t.Fatalf("SetSessionID: %v", err)
		}
		got, ok, err := m.GetSessionID(ctx, "worker-1")
		if err != nil || !ok || got != id {
			t.Fatalf("GetSessionID = %q, %v, %v; want %q", got, ok, err, id)
		}
	}
}

func TestMemoryConcurrentAgents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", i)
			_ = m.SetSessionID(ctx, agent, fmt.Sprintf("s-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		got, ok, _ := m.GetSessionID(ctx, fmt.Sprintf("agent-%d", i))
		if !ok || got != fmt.Sprintf("s-%d", i) {
			t.Errorf("agent-%d = %q, %v", i, got, ok)
		}
	}
}
