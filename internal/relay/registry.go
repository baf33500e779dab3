package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUnclassified Role = "unclassified"
	RoleDevice       Role = "device"
	RoleObserver     Role = "observer"
)

const (
	PowerStateOn       = "on"
	PowerStateSleeping = "sleeping"
)

// Sender is the transport half of a session. Send reports false when the
// transport is no longer open; the caller treats that as a silent no-op.
type Sender interface {
	Send(payload []byte) bool
	Close()
}

// DeviceState is the live telemetry snapshot of the wearable. Only meaningful
// on the session holding RoleDevice.
type DeviceState struct {
	BatteryPercent *int
	ActiveCategory *CategoryRef
	PowerState     string
}

// DeviceStatePatch merges non-nil fields into a DeviceState.
type DeviceStatePatch struct {
	BatteryPercent *int
	ActiveCategory *CategoryRef
	PowerState     string
}

type Session struct {
	Id          uuid.UUID
	Role        Role
	DisplayName string
	ConnectedAt time.Time
	LastSeenAt  time.Time
	Device      DeviceState
	Conn        Sender
}

// Registry is the process-wide bookkeeping of live sessions. Every operation
// completes synchronously under one lock; nothing blocking happens inside.
type Registry struct {
	mu              sync.RWMutex
	sessions        map[uuid.UUID]*Session
	deviceSessionId *uuid.UUID
	observerIds     map[uuid.UUID]struct{}
	now             func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[uuid.UUID]*Session),
		observerIds: make(map[uuid.UUID]struct{}),
		now:         time.Now,
	}
}

// Register creates a new unclassified session bound to the given transport.
func (r *Registry) Register(conn Sender) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	now := r.now()
	r.sessions[id] = &Session{
		Id:          id,
		Role:        RoleUnclassified,
		ConnectedAt: now,
		LastSeenAt:  now,
		Conn:        conn,
	}
	return id
}

// ClassifyAsDevice promotes the session to the device of record, replacing any
// previous device pointer. The previous session is not closed here; its own
// disconnect or reap cleans it up. ok is false when the session is gone,
// replaced reports that a different live device session was displaced, and
// refresh reports that this session was already the device of record.
func (r *Registry) ClassifyAsDevice(id uuid.UUID, displayName string) (ok, replaced, refresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists {
		return false, false, false
	}
	if s.Role == RoleObserver {
		// Roles are terminal once assigned.
		return false, false, false
	}

	if r.deviceSessionId != nil {
		if *r.deviceSessionId == id {
			refresh = true
		} else if _, live := r.sessions[*r.deviceSessionId]; live {
			replaced = true
		}
	}

	s.Role = RoleDevice
	s.DisplayName = displayName
	deviceId := id
	r.deviceSessionId = &deviceId
	return true, replaced, refresh
}

func (r *Registry) ClassifyAsObserver(id uuid.UUID, displayName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists || s.Role == RoleDevice {
		return false
	}

	s.Role = RoleObserver
	s.DisplayName = displayName
	r.observerIds[id] = struct{}{}
	return true
}

// Touch refreshes LastSeenAt. No-op when the session no longer exists; the
// caller may race with a concurrent removal.
func (r *Registry) Touch(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, exists := r.sessions[id]; exists {
		s.LastSeenAt = r.now()
	}
}

// UpdateDeviceState merges the patch into the session's telemetry snapshot.
// Silently ignored unless the session holds the device role; a malformed or
// misrouted frame must not crash the relay.
func (r *Registry) UpdateDeviceState(id uuid.UUID, patch DeviceStatePatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists || s.Role != RoleDevice {
		return
	}
	if patch.BatteryPercent != nil {
		s.Device.BatteryPercent = patch.BatteryPercent
	}
	if patch.ActiveCategory != nil {
		s.Device.ActiveCategory = patch.ActiveCategory
	}
	if patch.PowerState != "" {
		s.Device.PowerState = patch.PowerState
	}
}

// Remove deletes the session and clears the device pointer / observer set as
// applicable. Returns a copy of the removed session (nil if already gone) and
// whether the removed id was the device of record at removal time. A displaced
// session still carries the device role but reports false here; only the
// true flag means observers lost their device.
func (r *Registry) Remove(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id uuid.UUID) (*Session, bool) {
	s, exists := r.sessions[id]
	if !exists {
		return nil, false
	}
	wasDevice := r.deviceSessionId != nil && *r.deviceSessionId == id
	delete(r.sessions, id)
	delete(r.observerIds, id)
	if wasDevice {
		r.deviceSessionId = nil
	}
	removed := *s
	return &removed, wasDevice
}

// DeviceSession returns a copy of the current device session, or nil.
func (r *Registry) DeviceSession() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.deviceSessionId == nil {
		return nil
	}
	s, exists := r.sessions[*r.deviceSessionId]
	if !exists {
		return nil
	}
	copied := *s
	return &copied
}

// ObserverSessions returns a snapshot of all observer sessions. Iterating the
// result is safe against concurrent removals.
func (r *Registry) ObserverSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.observerIds))
	for id := range r.observerIds {
		if s, exists := r.sessions[id]; exists {
			out = append(out, *s)
		}
	}
	return out
}

// AllSessions returns a snapshot of every live session, any role.
func (r *Registry) AllSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// SessionById returns a copy of the session, or nil when it is gone.
func (r *Registry) SessionById(id uuid.UUID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	if !exists {
		return nil
	}
	copied := *s
	return &copied
}

func (r *Registry) Role(id uuid.UUID) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	if !exists {
		return "", false
	}
	return s.Role, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) ObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observerIds)
}

// ReapIdle removes and returns every session silent for longer than maxIdle,
// regardless of role. The second return is the device of record if it was
// among the reaped, nil otherwise; a reaped displaced session never counts.
func (r *Registry) ReapIdle(maxIdle time.Duration) ([]Session, *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var reaped []Session
	var lostDevice *Session
	for id, s := range r.sessions {
		if now.Sub(s.LastSeenAt) > maxIdle {
			copied := *s
			reaped = append(reaped, copied)
			if _, wasDevice := r.removeLocked(id); wasDevice {
				lostDevice = &copied
			}
		}
	}
	return reaped, lostDevice
}
