// Package llm is the shared gateway to OpenAI-compatible chat backends: a
// least-loaded client pool, a per-battle ask interface with round quotas and
// history persistence, and token accounting for the rating processor.
package llm

import (
	"container/heap"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"avalon-arena/internal/config"
)

// ErrNoClients means the pool was configured without any backends.
var ErrNoClients = errors.New("llm: no clients configured")

const watchdogInterval = 30 * time.Second

type clientState struct {
	id     string
	cfg    config.LLMClientConfig
	active int
	total  int
	index  int // heap index
}

type clientHeap []*clientState

func (h clientHeap) Len() int { return len(h) }
func (h clientHeap) Less(i, j int) bool {
	if h[i].active != h[j].active {
		return h[i].active < h[j].active
	}
	return h[i].total < h[j].total
}
func (h clientHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *clientHeap) Push(x any) {
	c := x.(*clientState)
	c.index = len(*h)
	*h = append(*h, c)
}
func (h *clientHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

type sessionEntry struct {
	client   *clientState
	acquired time.Time
}

// Pool hands out the least-loaded backend, keyed by (active, total) calls.
// Handles look like "client_2:<uuid>"; a watchdog force-releases handles that
// outlive the stale threshold so a leaked handle cannot pin capacity forever.
type Pool struct {
	mu       sync.Mutex
	clients  clientHeap
	sessions map[string]*sessionEntry
	stale    time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool builds the pool from configured backends.
func NewPool(cfgs []config.LLMClientConfig, stale time.Duration) *Pool {
	p := &Pool{
		sessions: make(map[string]*sessionEntry),
		stale:    stale,
		stopChan: make(chan struct{}),
	}
	for i, cfg := range cfgs {
		p.clients = append(p.clients, &clientState{
			id:    fmt.Sprintf("client_%d", i),
			cfg:   cfg,
			index: i,
		})
	}
	heap.Init(&p.clients)
	return p
}

// Start launches the stale-session watchdog.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.watchdog()
	log.Printf("🤖 LLM pool started (%d clients)", len(p.clients))
}

// Stop shuts the watchdog down.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.wg.Wait()
	})
}

// Acquire returns the least-loaded backend and an opaque session handle.
func (p *Pool) Acquire() (config.LLMClientConfig, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.clients) == 0 {
		return config.LLMClientConfig{}, "", ErrNoClients
	}

	c := p.clients[0]
	c.active++
	c.total++
	heap.Fix(&p.clients, c.index)

	handle := c.id + ":" + uuid.NewString()
	p.sessions[handle] = &sessionEntry{client: c, acquired: time.Now()}
	return c.cfg, handle, nil
}

// Release returns the handle's client slot to the pool. Unknown handles
// (already force-released) are ignored.
func (p *Pool) Release(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(handle)
}

func (p *Pool) releaseLocked(handle string) {
	entry, ok := p.sessions[handle]
	if !ok {
		return
	}
	delete(p.sessions, handle)
	if entry.client.active > 0 {
		entry.client.active--
	}
	heap.Fix(&p.clients, entry.client.index)
}

// ActiveSessions reports outstanding handles (metrics / tests).
func (p *Pool) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) watchdog() {
	defer p.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.reapStale()
		}
	}
}

func (p *Pool) reapStale() {
	cutoff := time.Now().Add(-p.stale)

	p.mu.Lock()
	defer p.mu.Unlock()

	for handle, entry := range p.sessions {
		if entry.acquired.Before(cutoff) {
			clientID := handle[:strings.IndexByte(handle, ':')]
			log.Printf("⚠️ LLM session %s stale for >%v, force releasing (client %s)", handle, p.stale, clientID)
			p.releaseLocked(handle)
		}
	}
}
