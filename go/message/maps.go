package message

import "sync"

// SyncMap is a mutex-guarded string map with snapshot reads. It backs
// the global, global-channel, and configuration maps, which are shared
// across pipeline workers.
type SyncMap struct {
	mu sync.RWMutex
	m  map[string]interface{}
}

func NewSyncMap() *SyncMap {
	return &SyncMap{m: map[string]interface{}{}}
}

func (s *SyncMap) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v, ok = s.m[key]
	return v, ok
}

func (s *SyncMap) Put(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *SyncMap) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Snapshot returns a consistent copy of the map contents.
func (s *SyncMap) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out = make(map[string]interface{}, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// Replace swaps the full contents, used when loading the configuration
// map at startup.
func (s *SyncMap) Replace(m map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = CopyMap(m)
}

// Maps aggregates the process-wide runtime maps: the global map, the
// per-channel global maps, and the read-mostly configuration map.
type Maps struct {
	Global        *SyncMap
	Configuration *SyncMap

	mu            sync.Mutex
	globalChannel map[string]*SyncMap
}

func NewMaps() *Maps {
	return &Maps{
		Global:        NewSyncMap(),
		Configuration: NewSyncMap(),
		globalChannel: map[string]*SyncMap{},
	}
}

// GlobalChannel returns the global channel map of `channelID`,
// creating it on first use.
func (m *Maps) GlobalChannel(channelID string) *SyncMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	var gm, ok = m.globalChannel[channelID]
	if !ok {
		gm = NewSyncMap()
		m.globalChannel[channelID] = gm
	}
	return gm
}

// ReleaseChannel drops the global channel map on channel undeploy.
func (m *Maps) ReleaseChannel(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.globalChannel, channelID)
}
