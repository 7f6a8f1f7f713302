package internal

import "sync"

// Hub tracks live relay rooms by key, creating and pruning them as
// connections come and go.
type Hub struct {
	mutex sync.RWMutex
	rooms map[string]*relayRoom
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*relayRoom)}
}

// Exists reports whether a room currently has live fan-out state. Used by
// the lightweight /exists endpoint.
func (hub *Hub) Exists(key string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	_, ok := hub.rooms[key]
	return ok
}

func (hub *Hub) getOrCreateRoom(key string) *relayRoom {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if room, exists := hub.rooms[key]; exists {
		return room
	}
	room := newRelayRoom(key)
	hub.rooms[key] = room
	go room.run()
	return room
}

func (hub *Hub) deleteRoomIfEmpty(key string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if room, exists := hub.rooms[key]; exists {
		if room.size() == 0 {
			room.stop()
			delete(hub.rooms, key)
		}
	}
}
