package game

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Registry owns the fixed set of rooms for the process lifetime.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

// Register adds a room. Rooms cannot be added once the registry started.
func (reg *Registry) Register(room *Room) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.started {
		return fmt.Errorf("registry already started, cannot add room %s", room.Name())
	}
	if _, exists := reg.rooms[room.Name()]; exists {
		return fmt.Errorf("room %s already registered", room.Name())
	}
	reg.rooms[room.Name()] = room
	return nil
}

func (reg *Registry) Get(name string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, ok := reg.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Names returns the room names in lexical order.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	names := make([]string, 0, len(reg.rooms))
	for name := range reg.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns every room's snapshot in name order.
func (reg *Registry) Snapshots(userID string) []Snapshot {
	names := reg.Names()
	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		room, err := reg.Get(name)
		if err != nil {
			continue
		}
		snaps = append(snaps, room.Snapshot(userID))
	}
	return snaps
}

// Start launches every room loop. A room that halts does not affect the
// others.
func (reg *Registry) Start(ctx context.Context) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.started {
		return
	}
	reg.started = true

	ctx, reg.cancel = context.WithCancel(ctx)
	for name, room := range reg.rooms {
		reg.wg.Add(1)
		go func(name string, room *Room) {
			defer reg.wg.Done()
			if err := room.Run(ctx); err != nil {
				log.Printf("[REGISTRY] Room %s halted: %v", name, err)
			}
		}(name, room)
		log.Printf("[REGISTRY] Started room %s (volatility %.2f)", name, room.Volatility())
	}
}

// Stop stops every room and waits for their loops to return.
func (reg *Registry) Stop() {
	reg.mu.RLock()
	cancel := reg.cancel
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	for _, room := range rooms {
		room.Stop()
	}
	if cancel != nil {
		cancel()
	}
	reg.wg.Wait()
	log.Printf("[REGISTRY] Stopped %d rooms", len(rooms))
}
