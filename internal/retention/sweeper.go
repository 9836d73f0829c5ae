package retention

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vppillai/diagram-tools-hub/internal/metrics"
	"github.com/vppillai/diagram-tools-hub/internal/store"
)

type Config struct {
	Interval       time.Duration
	RoomRetention  time.Duration
	AssetRetention time.Duration
	InitialDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:       6 * time.Hour,
		RoomRetention:  7 * 24 * time.Hour,
		AssetRetention: 30 * 24 * time.Hour,
		InitialDelay:   30 * time.Second,
	}
}

// Registry answers whether a room's on-disk snapshot may be evicted.
// The engine refuses while sessions are attached.
type Registry interface {
	EvictIfIdle(id string) bool
}

// Service bounds on-disk growth: room snapshots and assets whose
// mtime age exceeds retention are deleted on a steady schedule, with
// one initial sweep shortly after startup.
type Service struct {
	store    *store.Store
	registry Registry
	config   Config
	metrics  *metrics.Metrics
	cron     *cron.Cron
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(st *store.Store, registry Registry, config Config, m *metrics.Metrics) *Service {
	return &Service{
		store:    st,
		registry: registry,
		config:   config,
		metrics:  m,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.config.Interval), cron.FuncJob(s.Sweep))
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.config.InitialDelay):
			s.Sweep()
		case <-s.stop:
		}
	}()

	log.Printf("🧹 Retention sweeper started (interval: %v, rooms: %v, assets: %v)",
		s.config.Interval, s.config.RoomRetention, s.config.AssetRetention)
}

func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	close(s.stop)
	s.wg.Wait()
	log.Println("🧹 Retention sweeper stopped")
}

// Sweep makes one retention pass. Individual file errors are logged
// and do not abort the sweep.
func (s *Service) Sweep() {
	now := time.Now()
	deletedRooms := 0
	deletedAssets := 0

	rooms, err := s.store.ListRooms()
	if err != nil {
		log.Printf("Sweep: failed to list rooms: %v", err)
	} else {
		for _, entry := range rooms {
			if now.Sub(entry.ModTime) <= s.config.RoomRetention {
				continue
			}
			if !s.registry.EvictIfIdle(entry.ID) {
				// Live sessions keep the snapshot.
				continue
			}
			if err := s.store.DeleteRoom(entry.ID); err != nil {
				log.Printf("Sweep: failed to delete room %s: %v", entry.ID, err)
				continue
			}
			deletedRooms++
		}
	}

	assets, err := s.store.ListAssets()
	if err != nil {
		log.Printf("Sweep: failed to list assets: %v", err)
	} else {
		for _, entry := range assets {
			if now.Sub(entry.ModTime) <= s.config.AssetRetention {
				continue
			}
			if err := s.store.DeleteAsset(entry.ID); err != nil {
				log.Printf("Sweep: failed to delete asset %s: %v", entry.ID, err)
				continue
			}
			deletedAssets++
		}
	}

	if s.metrics != nil {
		s.metrics.Sweeps.Inc()
		s.metrics.SweepDeletes.WithLabelValues("room").Add(float64(deletedRooms))
		s.metrics.SweepDeletes.WithLabelValues("asset").Add(float64(deletedAssets))
	}

	if deletedRooms > 0 || deletedAssets > 0 {
		log.Printf("🧹 Sweep removed %d room snapshots, %d assets", deletedRooms, deletedAssets)
	}
}
