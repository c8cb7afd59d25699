// Package gc runs the periodic sweep that expires stale voting sessions,
// stuck transactions, silent peers and finished search sessions.
package gc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/docmesh/docmesh/pkg/cluster"
	"github.com/docmesh/docmesh/pkg/config"
)

// Expirer evicts entries whose deadline passed and reports how many went.
type Expirer interface {
	ExpireStale(now time.Time) int
}

func NewSweeper(
	registry *cluster.Registry,
	voting Expirer,
	commit Expirer,
	search Expirer,
	cfg *config.Config,
	logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		voting:   voting,
		commit:   commit,
		search:   search,
		cfg:      cfg,
		logger:   logger.With("component", "gc"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		now:      time.Now,
	}
}

// Sweeper walks the expirable tables at a fixed interval. Entries are only
// ever evicted after their own TTL elapses, so an in-flight session is
// never reclaimed early.
type Sweeper struct {
	registry *cluster.Registry
	voting   Expirer
	commit   Expirer
	search   Expirer
	cfg      *config.Config
	logger   *slog.Logger

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// now is swappable for tests
	now func() time.Time
}

// Run blocks until Stop is called, sweeping every GCSweepInterval.
func (s *Sweeper) Run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.GCSweepInterval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.cfg.GCSweepInterval)
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			s.logger.Info("sweeper stopped")
			return
		}
	}
}

// Sweep runs one pass over every table. Exposed so tests can drive the
// sweeper without waiting on the ticker.
func (s *Sweeper) Sweep() {
	now := s.now()

	sessions := s.voting.ExpireStale(now)
	transactions := s.commit.ExpireStale(now)
	searches := s.search.ExpireStale(now)
	peers := s.registry.ExpireSilent(s.cfg.PeerLivenessThreshold)

	if sessions+transactions+searches+peers > 0 {
		s.logger.Info("sweep reclaimed entries",
			"sessions", sessions,
			"transactions", transactions,
			"searches", searches,
			"peers", peers)
	}
}

// Stop shuts the sweeper down and waits for the loop to exit. Calling it
// again after the sweeper stopped is a no-op.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.stopped
}
