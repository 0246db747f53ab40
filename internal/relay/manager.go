package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/syncroom/internal/domain"
	"github.com/dkeye/syncroom/internal/metrics"
)

// Manager owns the set of live room actors. Rooms are created on first
// join and reaped after sitting empty for idleTTL; reaping discards all
// room state, which is the documented reclamation path.
type Manager struct {
	log     zerolog.Logger
	met     *metrics.Metrics
	policy  Policy
	idleTTL time.Duration

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewManager(logger zerolog.Logger, met *metrics.Metrics, policy Policy, idleTTL time.Duration) *Manager {
	return &Manager{
		log:     logger.With().Str("module", "relay.manager").Logger(),
		met:     met,
		policy:  policy,
		idleTTL: idleTTL,
		rooms:   make(map[domain.RoomID]*Room),
	}
}

func (m *Manager) GetOrCreate(id domain.RoomID) *Room {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return room
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[id]; ok {
		return room
	}
	room = NewRoom(id, m.log, m.met, m.policy)
	m.rooms[id] = room
	m.met.OpenRooms.Inc()
	go room.Run()
	m.log.Info().Str("room", string(id)).Msg("room created")
	return room
}

func (m *Manager) List() []domain.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RoomInfo, 0, len(m.rooms))
	for id, r := range m.rooms {
		out = append(out, domain.RoomInfo{ID: id, PeerCount: r.PeerCount()})
	}
	return out
}

func (m *Manager) StopRoom(id domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[id]; ok {
		room.Stop()
		delete(m.rooms, id)
		m.met.OpenRooms.Dec()
		m.log.Info().Str("room", string(id)).Msg("room stopped")
	}
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, room := range m.rooms {
		room.Stop()
		delete(m.rooms, id)
		m.met.OpenRooms.Dec()
	}
}

// Reap runs the idle sweep until ctx is done.
func (m *Manager) Reap(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, room := range m.rooms {
		if idle := room.EmptyFor(now); idle > m.idleTTL {
			room.Stop()
			delete(m.rooms, id)
			m.met.OpenRooms.Dec()
			m.log.Info().Str("room", string(id)).Dur("idle", idle).Msg("reaped idle room")
		}
	}
}
