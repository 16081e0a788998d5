package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

var ErrNoOracle = errors.New("no oracle satisfies the version constraint")

type release struct {
	version *semver.Version
	oracle  Oracle
}

// Finder resolves the current oracle. Releases are versioned; the current
// oracle is the highest release satisfying the constraint, so publishing a
// new major version only migrates registries whose constraint admits it.
type Finder struct {
	mu          sync.RWMutex
	constraint  *semver.Constraints
	releases    []release
	identifiers map[Identifier]bool
}

// NewFinder creates a finder accepting releases matching constraint, e.g. ">= 3.0.0".
// An empty constraint accepts every release.
func NewFinder(constraint string) (*Finder, error) {
	f := &Finder{identifiers: make(map[Identifier]bool)}
	if constraint != "" {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return nil, fmt.Errorf("invalid oracle constraint %q: %w", constraint, err)
		}
		f.constraint = c
	}
	return f, nil
}

// Publish registers an oracle release.
func (f *Finder) Publish(version string, o Oracle) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid oracle version %s: %w", version, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.releases {
		if r.version.Equal(v) {
			return fmt.Errorf("oracle version %s already published", v)
		}
	}
	f.releases = append(f.releases, release{version: v, oracle: o})
	sort.Slice(f.releases, func(i, j int) bool {
		return f.releases[i].version.GreaterThan(f.releases[j].version)
	})
	return nil
}

// Current returns the highest release satisfying the constraint.
func (f *Finder) Current() (Oracle, *semver.Version, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range f.releases {
		if f.constraint == nil || f.constraint.Check(r.version) {
			return r.oracle, r.version, nil
		}
	}
	return nil, nil, ErrNoOracle
}

// SupportIdentifier adds id to the identifier whitelist.
func (f *Finder) SupportIdentifier(id Identifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identifiers[id] = true
}

// IsSupported implements IdentifierWhitelist.
func (f *Finder) IsSupported(_ context.Context, id Identifier) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.identifiers[id], nil
}

// MinimumBond reads the minimum bond from the current oracle.
func (f *Finder) MinimumBond(ctx context.Context, currency contracts.Address) (*uint256.Int, error) {
	o, _, err := f.Current()
	if err != nil {
		return nil, err
	}
	return o.MinimumBond(ctx, currency)
}
