package battle

import (
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"avalon-arena/internal/config"
)

// sysSampler reads host pressure from /proc. CPU utilization is computed
// between consecutive samples, so the first reading reports 0.
type sysSampler struct {
	fs        procfs.FS
	prevIdle  float64
	prevTotal float64
}

func newSysSampler() (*sysSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &sysSampler{fs: fs}, nil
}

func (s *sysSampler) cpuPercent() (float64, error) {
	st, err := s.fs.Stat()
	if err != nil {
		return 0, err
	}
	ct := st.CPUTotal
	idle := ct.Idle + ct.Iowait
	total := idle + ct.User + ct.Nice + ct.System + ct.IRQ + ct.SoftIRQ + ct.Steal

	dIdle := idle - s.prevIdle
	dTotal := total - s.prevTotal
	s.prevIdle, s.prevTotal = idle, total

	if dTotal <= 0 {
		return 0, nil
	}
	return 100 * (1 - dIdle/dTotal), nil
}

func (s *sysSampler) memPercent() (float64, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
		return 0, nil
	}
	return 100 * (1 - float64(*mi.MemAvailable)/float64(*mi.MemTotal)), nil
}

// pool sizes the worker set between min and max based on sampled host
// pressure. Growth and shrink move two workers at a time, at most once per
// AdjustEvery.
type pool struct {
	m   *Manager
	cfg config.BattleConfig
	max int

	mu         sync.Mutex
	current    int
	lastAdjust time.Time
	shrink     chan struct{}

	sampler *sysSampler
}

// maxWorkers resolves the configured cap, defaulting to 16 per CPU, hard
// capped at 192.
func maxWorkers(cfg config.BattleConfig) int {
	if cfg.MaxWorkers > 0 {
		return cfg.MaxWorkers
	}
	n := 16 * runtime.NumCPU()
	if n > 192 {
		n = 192
	}
	if n < cfg.MinWorkers {
		n = cfg.MinWorkers
	}
	return n
}

func newPool(m *Manager, cfg config.BattleConfig) *pool {
	p := &pool{
		m:      m,
		cfg:    cfg,
		max:    maxWorkers(cfg),
		shrink: make(chan struct{}, 256),
	}
	sampler, err := newSysSampler()
	if err != nil {
		// No /proc (tests, exotic platforms): the pool stays at min size.
		log.Printf("⚠️ host sampling unavailable, worker pool fixed at %d: %v", cfg.MinWorkers, err)
	}
	p.sampler = sampler
	return p
}

// start launches the minimum worker set and the monitor.
func (p *pool) start() {
	p.grow(p.cfg.MinWorkers)
	p.m.wg.Add(1)
	go p.monitor()
	log.Printf("✅ battle worker pool started: %d workers (cap %d)", p.cfg.MinWorkers, p.max)
}

func (p *pool) grow(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n && p.current < p.max; i++ {
		p.current++
		p.m.wg.Add(1)
		go p.m.worker(p.shrink)
	}
	metricWorkers.Set(float64(p.current))
}

func (p *pool) shrinkBy(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n && p.current > p.cfg.MinWorkers; i++ {
		p.current--
		select {
		case p.shrink <- struct{}{}:
		default:
		}
	}
	metricWorkers.Set(float64(p.current))
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// monitor samples host pressure every MonitorEvery and nudges the pool size,
// at most one adjustment per AdjustEvery.
func (p *pool) monitor() {
	defer p.m.wg.Done()

	ticker := time.NewTicker(p.cfg.MonitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.m.stopCh:
			return
		case <-ticker.C:
			p.adjust()
		}
	}
}

func (p *pool) adjust() {
	if p.sampler == nil {
		return
	}
	cpu, err := p.sampler.cpuPercent()
	if err != nil {
		log.Printf("⚠️ cpu sample failed: %v", err)
		return
	}
	mem, err := p.sampler.memPercent()
	if err != nil {
		log.Printf("⚠️ mem sample failed: %v", err)
		return
	}
	metricCPUPercent.Set(cpu)
	metricMemPercent.Set(mem)

	p.mu.Lock()
	tooSoon := time.Since(p.lastAdjust) < p.cfg.AdjustEvery
	p.mu.Unlock()
	if tooSoon {
		return
	}

	switch {
	case cpu > p.cfg.CPUHighPct || mem > p.cfg.MemHighPct:
		p.shrinkBy(2)
		p.stampAdjust()
		log.Printf("📊 pool shrink to %d (cpu %.0f%%, mem %.0f%%)", p.size(), cpu, mem)
	case cpu < p.cfg.CPULowPct && mem < p.cfg.MemLowPct:
		p.grow(2)
		p.stampAdjust()
		log.Printf("📊 pool grow to %d (cpu %.0f%%, mem %.0f%%)", p.size(), cpu, mem)
	}
}

func (p *pool) stampAdjust() {
	p.mu.Lock()
	p.lastAdjust = time.Now()
	p.mu.Unlock()
}
