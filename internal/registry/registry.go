// Package registry provides an explicit serializer registry: codecs are
// registered and looked up by type id on a Registry instance that is
// constructed once and passed by reference. Tests can instantiate isolated
// registries instead of sharing process-wide state.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Codec serializes and deserializes one value type for persistence.
type Codec interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte) (any, error)
}

// Registry maps type ids to codecs.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Codec
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]Codec)}
}

// Register binds a codec to a type id. Registering the same id twice is an
// error so conflicting codecs are caught at wiring time.
func (r *Registry) Register(typeID string, codec Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[typeID]; exists {
		return fmt.Errorf("codec already registered for type %q", typeID)
	}
	r.byID[typeID] = codec
	return nil
}

// Lookup returns the codec for a type id.
func (r *Registry) Lookup(typeID string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[typeID]
	return c, ok
}

// JSONCodec is a Codec backed by encoding/json for a concrete type T.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Deserialize(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// RawCodec passes []byte values through unchanged.
type RawCodec struct{}

func (RawCodec) Serialize(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec expects []byte, got %T", v)
	}
	return b, nil
}

func (RawCodec) Deserialize(data []byte) (any, error) {
	return data, nil
}
