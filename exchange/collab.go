package exchange

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// =============================================================================
// DEFAULT COLLABORATOR IMPLEMENTATIONS
// =============================================================================

// StaticDirectory is a fixed user-id -> display-name map. Production wires
// the real staff directory; tests and dev use this.
type StaticDirectory struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewStaticDirectory(names map[string]string) *StaticDirectory {
	if names == nil {
		names = make(map[string]string)
	}
	return &StaticDirectory{names: names}
}

func (d *StaticDirectory) GetUserName(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[userID], nil
}

func (d *StaticDirectory) SetUserName(userID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[userID] = name
}

// LoggingNotifier logs reverted events; a stand-in until a push channel
// (websocket, SSE) is wired.
type LoggingNotifier struct {
	Log *zap.Logger
}

func (n LoggingNotifier) ExchangeReverted(_ context.Context, slotKey, historyID string) {
	if n.Log != nil {
		n.Log.Info("exchange reverted",
			zap.String("slot", slotKey), zap.String("historyId", historyID))
	}
}

// MemoryReplacements is an in-process replacements-pool mirror. The real
// pool is an external service; the engine only needs these two calls.
type MemoryReplacements struct {
	mu   sync.Mutex
	pool map[string]*Exchange
}

func NewMemoryReplacements() *MemoryReplacements {
	return &MemoryReplacements{pool: make(map[string]*Exchange)}
}

func (r *MemoryReplacements) CreateReplacement(_ context.Context, e *Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *e
	r.pool[e.ID] = &copy
	return nil
}

func (r *MemoryReplacements) DeleteReplacement(_ context.Context, exchangeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pool, exchangeID)
	return nil
}

// Has reports whether a listing is currently mirrored (test helper).
func (r *MemoryReplacements) Has(exchangeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pool[exchangeID]
	return ok
}
