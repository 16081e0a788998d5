//go:build property
// +build property

package proposals

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/oyaprotocol/contracts/pkg/clock"
	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// step is one randomly chosen operation against a small pool of batches.
type step struct {
	Op    int
	Batch int
}

// TestRegistryInvariants drives random propose / dispute / execute / wait
// sequences and checks that the hash and assertion indexes stay in step and
// that no batch is replayed more often than it was successfully executed.
func TestRegistryInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	stepGen := gopter.CombineGens(gen.IntRange(0, 3), gen.IntRange(0, 2)).Map(func(v []interface{}) step {
		return step{Op: v[0].(int), Batch: v[1].(int)}
	})

	properties.Property("bijection holds and executions match replays", prop.ForAll(
		func(steps []step) bool {
			f := newFixtureWith(t, clock.NewManual(t0), nil)
			ctx := context.Background()
			batches := [][]contracts.Transaction{pay(1), pay(2), pay(3)}
			executed := 0

			for _, s := range steps {
				batch := batches[s.Batch]
				switch s.Op {
				case 0:
					_, _ = f.registry.Propose(ctx, proposer, batch, "")
				case 1:
					entry, err := f.registry.Lookup(ctx, contracts.HashTransactions(batch))
					if err == nil {
						_ = f.oracle.Dispute(ctx, disputer, entry.AssertionID)
					}
				case 2:
					if f.registry.Execute(ctx, stranger, batch) == nil {
						executed++
					}
				case 3:
					f.clk.Advance(30 * time.Minute)
				}
				if !f.store.consistent() {
					return false
				}
			}

			replays := 0
			for _, c := range f.sub.Trace() {
				if c.Acting == account {
					replays++
				}
			}
			return replays == executed
		},
		gen.SliceOf(stepGen),
	))

	properties.TestingRun(t)
}
