package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cocoon-run/cocoon/value"
)

const (
	DefaultKVMaxEntries   = 1024
	DefaultKVMaxKeySize   = 256
	DefaultKVMaxValueSize = 64 << 10
)

// KVConfig caps the store. Zero fields take the defaults above; the
// store is always bounded.
type KVConfig struct {
	MaxEntries   int
	MaxKeySize   int
	MaxValueSize int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxEntries:   DefaultKVMaxEntries,
		MaxKeySize:   DefaultKVMaxKeySize,
		MaxValueSize: DefaultKVMaxValueSize,
	}
}

// KV is a host-side key/value store shared by every execution resolved
// through it. Values are measured by their canonical encoded size, so
// the cap is independent of in-memory representation.
type KV struct {
	cfg  KVConfig
	mu   sync.RWMutex
	data map[string]value.Value
}

func NewKV(cfg KVConfig) *KV {
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultKVMaxEntries
	}
	if cfg.MaxKeySize == 0 {
		cfg.MaxKeySize = DefaultKVMaxKeySize
	}
	if cfg.MaxValueSize == 0 {
		cfg.MaxValueSize = DefaultKVMaxValueSize
	}
	return &KV{cfg: cfg, data: make(map[string]value.Value)}
}

func (s *KV) Methods() []string {
	return []string{"get", "set", "delete", "keys"}
}

func (s *KV) Call(ctx context.Context, method string, args []value.Value) (value.Value, error) {
	p := params(args)
	switch method {
	case "get":
		return s.get(p)
	case "set":
		return s.set(p)
	case "delete":
		return s.del(p)
	case "keys":
		return s.keys()
	default:
		return value.Null(), fmt.Errorf("unknown method %q", method)
	}
}

func (s *KV) get(p map[string]value.Value) (value.Value, error) {
	key := p["key"].AsString()
	if key == "" {
		return value.Null(), fmt.Errorf("key required")
	}

	s.mu.RLock()
	v, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		if d, ok := p["default"]; ok {
			return d, nil
		}
		return value.Null(), nil
	}
	return v, nil
}

func (s *KV) set(p map[string]value.Value) (value.Value, error) {
	key := p["key"].AsString()
	if key == "" {
		return value.Null(), fmt.Errorf("key required")
	}
	if len(key) > s.cfg.MaxKeySize {
		return value.Null(), fmt.Errorf("key exceeds %d bytes", s.cfg.MaxKeySize)
	}
	v, ok := p["value"]
	if !ok {
		return value.Null(), fmt.Errorf("value required")
	}
	enc, err := v.MarshalCBOR()
	if err != nil {
		return value.Null(), fmt.Errorf("unencodable value: %w", err)
	}
	if len(enc) > s.cfg.MaxValueSize {
		return value.Null(), fmt.Errorf("value exceeds %d bytes", s.cfg.MaxValueSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && len(s.data) >= s.cfg.MaxEntries {
		return value.Null(), fmt.Errorf("store full (%d entries)", s.cfg.MaxEntries)
	}
	s.data[key] = v
	return value.String("ok"), nil
}

func (s *KV) del(p map[string]value.Value) (value.Value, error) {
	key := p["key"].AsString()
	if key == "" {
		return value.Null(), fmt.Errorf("key required")
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return value.String("ok"), nil
}

// keys returns the stored keys sorted, so scripts observing the store
// see a stable ordering.
func (s *KV) keys() (value.Value, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.data))
	for k := range s.data {
		names = append(names, k)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	out := make([]value.Value, len(names))
	for i, k := range names {
		out[i] = value.String(k)
	}
	return value.ArrayOf(out...), nil
}

// Len reports the number of stored entries.
func (s *KV) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
