// Package vault is the access-control layer of a governed account. It keeps
// the account's roles (controllers, guardians, proposer), its rules and its
// operating mode, and answers whether a caller may submit or execute a batch.
package vault

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// Mode is the operating mode of an account.
type Mode uint8

const (
	// ModeAutomatic accepts proposer-submitted batches.
	ModeAutomatic Mode = iota
	// ModeManual limits submission to controllers and the account itself.
	ModeManual
	// ModeFrozen blocks every mutation until a guardian unfreezes.
	ModeFrozen
)

func (m Mode) String() string {
	switch m {
	case ModeAutomatic:
		return "automatic"
	case ModeManual:
		return "manual"
	case ModeFrozen:
		return "frozen"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "automatic":
		return ModeAutomatic, nil
	case "manual":
		return ModeManual, nil
	case "frozen":
		return ModeFrozen, nil
	default:
		return 0, fmt.Errorf("%w: %q", contracts.ErrInvalidMode, s)
	}
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// PendingMode is a requested transition that is not effective yet.
type PendingMode struct {
	Target      Mode      `json:"target"`
	EffectiveAt time.Time `json:"effective_at"`
}

// Vault is the access-control record of one account.
type Vault struct {
	ID          contracts.Address   `json:"id"`
	Rules       string              `json:"rules"`
	Mode        Mode                `json:"mode"`
	Pending     *PendingMode        `json:"pending,omitempty"`
	Controllers []contracts.Address `json:"controllers"`
	Guardians   []contracts.Address `json:"guardians"`
	Proposer    contracts.Address   `json:"proposer"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// CurrentMode projects the mode in effect at now. A pending transition
// counts only once its deadline has passed.
func (v *Vault) CurrentMode(now time.Time) Mode {
	if v.Pending != nil && !now.Before(v.Pending.EffectiveAt) {
		return v.Pending.Target
	}
	return v.Mode
}

// settle folds an effective pending transition into the base mode.
func (v *Vault) settle(now time.Time) {
	if v.Pending != nil && !now.Before(v.Pending.EffectiveAt) {
		v.Mode = v.Pending.Target
		v.Pending = nil
	}
}

func (v *Vault) IsController(a contracts.Address) bool { return contains(v.Controllers, a) }

func (v *Vault) IsGuardian(a contracts.Address) bool { return contains(v.Guardians, a) }

// IsSelfOrController reports whether a is the account itself or one of its controllers.
func (v *Vault) IsSelfOrController(a contracts.Address) bool {
	return a == v.ID || v.IsController(a)
}

// Clone returns a deep copy.
func (v *Vault) Clone() *Vault {
	c := *v
	c.Controllers = append([]contracts.Address(nil), v.Controllers...)
	c.Guardians = append([]contracts.Address(nil), v.Guardians...)
	if v.Pending != nil {
		p := *v.Pending
		c.Pending = &p
	}
	return &c
}

func contains(set []contracts.Address, a contracts.Address) bool {
	for _, x := range set {
		if x == a {
			return true
		}
	}
	return false
}

// addSorted inserts a into set, keeping it sorted and unique.
func addSorted(set []contracts.Address, a contracts.Address) []contracts.Address {
	if contains(set, a) {
		return set
	}
	set = append(set, a)
	sort.Slice(set, func(i, j int) bool { return set[i].Cmp(set[j]) < 0 })
	return set
}

func remove(set []contracts.Address, a contracts.Address) []contracts.Address {
	out := set[:0]
	for _, x := range set {
		if x != a {
			out = append(out, x)
		}
	}
	return out
}
