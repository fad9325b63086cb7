package outbox

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

const (
	defaultQueueKey = "default"
	queueKeyParam   = "queue"
)

// Factory builds a queue from a DSN with the queue parameter already removed.
type Factory func(dsn, queueKey string, capacity int) (Queue, error)

var registry = struct {
	sync.RWMutex
	byScheme map[string]Factory
}{byScheme: map[string]Factory{}}

func init() {
	for scheme, factory := range map[string]Factory{
		"":           fileFactory,
		"file":       fileFactory,
		"memory":     memoryFactory,
		"mem":        memoryFactory,
		"inmem":      memoryFactory,
		"bolt":       boltFactory,
		"bbolt":      boltFactory,
		"redis":      NewRedisQueue,
		"rediss":     NewRedisQueue,
		"postgres":   NewPostgresQueue,
		"postgresql": NewPostgresQueue,
	} {
		registry.byScheme[scheme] = factory
	}
}

// RegisterFactory adds or replaces the backend for scheme.
func RegisterFactory(scheme string, factory Factory) {
	if factory == nil {
		return
	}
	registry.Lock()
	defer registry.Unlock()
	registry.byScheme[strings.ToLower(strings.TrimSpace(scheme))] = factory
}

func factoryFor(scheme string) (Factory, bool) {
	registry.RLock()
	defer registry.RUnlock()
	factory, ok := registry.byScheme[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// SupportsScheme reports whether BuildFromDSN can serve scheme.
func SupportsScheme(scheme string) bool {
	_, ok := factoryFor(scheme)
	return ok
}

// WithQueueKey namespaces dsn so that queues for different sessions sharing
// one backend never see each other's frames. Bare file paths are returned
// unchanged.
func WithQueueKey(dsn, queueKey string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" {
		return dsn, nil
	}
	query := parsed.Query()
	query.Set(queueKeyParam, queueKey)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// BuildFromDSN selects a backend by scheme. An empty DSN yields a nil queue;
// callers fall back to an in-memory queue.
func BuildFromDSN(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	factory, ok := factoryFor(parsed.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}

	query := parsed.Query()
	queueKey := query.Get(queueKeyParam)
	if queueKey == "" {
		queueKey = defaultQueueKey
	}
	if parsed.Scheme != "" {
		query.Del(queueKeyParam)
		parsed.RawQuery = query.Encode()
		dsn = parsed.String()
	}
	return factory(dsn, queueKey, capacity)
}

func memoryFactory(_, _ string, capacity int) (Queue, error) {
	return NewInMemoryQueue(capacity), nil
}

func fileFactory(dsn, _ string, capacity int) (Queue, error) {
	path, err := localPath(dsn)
	if err != nil {
		return nil, err
	}
	return NewFileQueue(path, capacity)
}

func boltFactory(dsn, queueKey string, capacity int) (Queue, error) {
	path, err := localPath(dsn)
	if err != nil {
		return nil, err
	}
	return NewBoltQueue(path, queueKey, capacity)
}

// localPath accepts a bare path, scheme:///abs/path or scheme://relative.
func localPath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" {
		return strings.TrimSpace(dsn), nil
	}
	for _, candidate := range []string{parsed.Host + parsed.Path, parsed.Opaque} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate, nil
		}
	}
	return "", ErrInvalidInput
}
