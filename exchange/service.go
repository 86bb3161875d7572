/*
service.go - Exchange engine service wiring

PURPOSE:
  Service bundles the store, the collaborators and the tuning knobs every
  engine operation needs. All dependencies are injected explicitly: no
  package-level singletons, no hidden wall-clock reads.

DEPENDENCIES:
  Store        - the document store (three collections + phase + backups)
  Replacements - external replacements-pool mirror (may be nil)
  Blocked      - blocked-users cache (constructed separately, see blocked.go)
  Notifier     - post-reversal broadcast hook (defaults to no-op)
  Clock        - time source (defaults to time.Now; tests inject a fake)
  SettleDelay  - post-commit pause before signaling a reversal complete,
                 letting the store's listeners converge (default 1.2s,
                 zero in tests)

SEE ALSO:
  - listing.go, trade.go, history.go, restore.go: The operations
*/
package exchange

import (
	"time"

	"go.uber.org/zap"
)

const defaultSettleDelay = 1200 * time.Millisecond

// Service executes exchange operations against a Store.
type Service struct {
	store        Store
	replacements ReplacementsPool
	blocked      *BlockedUsersCache
	notifier     Notifier
	log          *zap.Logger
	now          Clock
	settleDelay  time.Duration
}

// Option customizes a Service.
type Option func(*Service)

func WithReplacements(r ReplacementsPool) Option { return func(s *Service) { s.replacements = r } }

func WithBlockedCache(b *BlockedUsersCache) Option { return func(s *Service) { s.blocked = b } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithClock(c Clock) Option { return func(s *Service) { s.now = c } }

func WithSettleDelay(d time.Duration) Option { return func(s *Service) { s.settleDelay = d } }

// NewService builds a Service. logger may be nil (discarded).
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:       store,
		notifier:    NopNotifier{},
		log:         logger,
		now:         time.Now,
		settleDelay: defaultSettleDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for the API layer's read-only needs.
func (s *Service) Store() Store { return s.store }

// invalidateBlockedSlot is called after any commit that can change
// blocked-set membership for a slot.
func (s *Service) invalidateBlockedSlot(date string, period Period) {
	if s.blocked != nil {
		s.blocked.InvalidateSlot(date, period)
	}
}
