package llm

import (
	"strings"
	"testing"
	"time"

	"avalon-arena/internal/config"
)

func testClients(n int) []config.LLMClientConfig {
	out := make([]config.LLMClientConfig, n)
	for i := range out {
		out[i] = config.LLMClientConfig{APIKey: "key", BaseURL: "http://backend", Model: "m"}
	}
	return out
}

func TestAcquireEmptyPool(t *testing.T) {
	p := NewPool(nil, time.Minute)
	if _, _, err := p.Acquire(); err != ErrNoClients {
		t.Errorf("Acquire on empty pool = %v, want ErrNoClients", err)
	}
}

func TestAcquirePicksLeastLoaded(t *testing.T) {
	p := NewPool(testClients(2), time.Minute)

	_, h1, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	_, h2, _ := p.Acquire()

	// With both clients busy once, the two handles must come from different
	// backends.
	id1 := strings.SplitN(h1, ":", 2)[0]
	id2 := strings.SplitN(h2, ":", 2)[0]
	if id1 == id2 {
		t.Errorf("both handles from %s, want distinct backends", id1)
	}

	if p.ActiveSessions() != 2 {
		t.Errorf("active sessions = %d, want 2", p.ActiveSessions())
	}
	p.Release(h1)
	p.Release(h2)
	if p.ActiveSessions() != 0 {
		t.Errorf("active sessions after release = %d, want 0", p.ActiveSessions())
	}
}

func TestReleasePrefersIdleBackend(t *testing.T) {
	p := NewPool(testClients(2), time.Minute)

	_, h1, _ := p.Acquire()
	_, _, _ = p.Acquire()
	p.Release(h1)

	// The freed backend is now least loaded by active count.
	_, h3, _ := p.Acquire()
	id1 := strings.SplitN(h1, ":", 2)[0]
	id3 := strings.SplitN(h3, ":", 2)[0]
	if id1 != id3 {
		t.Errorf("acquire after release went to %s, want the idle backend %s", id3, id1)
	}
}

func TestReleaseUnknownHandle(t *testing.T) {
	p := NewPool(testClients(1), time.Minute)
	p.Release("client_0:no-such-session") // must not panic or underflow

	_, h, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	p.Release(h)
	p.Release(h) // double release ignored
	if p.ActiveSessions() != 0 {
		t.Errorf("active sessions = %d", p.ActiveSessions())
	}
}

func TestReapStaleSessions(t *testing.T) {
	p := NewPool(testClients(1), time.Nanosecond)

	_, _, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	p.reapStale()
	if p.ActiveSessions() != 0 {
		t.Errorf("stale session survived the reaper, active = %d", p.ActiveSessions())
	}

	// Reaped capacity is available again.
	if _, _, err := p.Acquire(); err != nil {
		t.Errorf("Acquire after reap: %v", err)
	}
}
