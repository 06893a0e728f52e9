package connector

import (
	"fmt"
	"sync"
)

// Settings is the identity a transport builder receives alongside its
// properties bag.
type Settings struct {
	ChannelID  string
	MetaDataID int
	Name       string
	Properties Properties
}

// SourceBuilder and DestinationBuilder construct connector instances
// from a descriptor. Transports register themselves at init, the way
// database/sql drivers do.
type (
	SourceBuilder      func(Settings) (Source, error)
	DestinationBuilder func(Settings) (Destination, error)
)

var (
	registryMu   sync.RWMutex
	sources      = map[string]SourceBuilder{}
	destinations = map[string]DestinationBuilder{}
)

// RegisterSource registers a source transport under `transport`.
func RegisterSource(transport string, builder SourceBuilder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := sources[transport]; dup {
		panic(fmt.Sprintf("source transport %q registered twice", transport))
	}
	sources[transport] = builder
}

// RegisterDestination registers a destination transport.
func RegisterDestination(transport string, builder DestinationBuilder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := destinations[transport]; dup {
		panic(fmt.Sprintf("destination transport %q registered twice", transport))
	}
	destinations[transport] = builder
}

// NewSource builds a source of the named transport.
func NewSource(transport string, settings Settings) (Source, error) {
	registryMu.RLock()
	var builder, ok = sources[transport]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source transport %q", transport)
	}
	return builder(settings)
}

// NewDestination builds a destination of the named transport.
func NewDestination(transport string, settings Settings) (Destination, error) {
	registryMu.RLock()
	var builder, ok = destinations[transport]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown destination transport %q", transport)
	}
	return builder(settings)
}
