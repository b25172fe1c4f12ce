package resilience

import (
	"context"

	"github.com/MrWong99/voicebridge/pkg/ledger"
)

var _ ledger.Mirror = (*GuardedMirror)(nil)

// GuardedMirror forwards records to a [ledger.Mirror] through a [Breaker].
// While the breaker is open, Mirror fails fast with [ErrOpen].
type GuardedMirror struct {
	next    ledger.Mirror
	breaker *Breaker
}

// GuardMirror wraps next with b.
func GuardMirror(next ledger.Mirror, b *Breaker) *GuardedMirror {
	return &GuardedMirror{next: next, breaker: b}
}

// Mirror implements [ledger.Mirror].
func (g *GuardedMirror) Mirror(ctx context.Context, rec ledger.EventRecord) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.Mirror(ctx, rec)
	})
}

// Breaker returns the breaker guarding the mirror.
func (g *GuardedMirror) Breaker() *Breaker { return g.breaker }
