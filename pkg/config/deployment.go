package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/oyaprotocol/contracts/pkg/archive"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/limiter"
	"github.com/oyaprotocol/contracts/pkg/policy"
)

// Deployment describes the protocol instance a node serves.
type Deployment struct {
	CAT         string          `yaml:"cat"`
	ManualDelay time.Duration   `yaml:"manual_delay"`
	Oracle      OracleConfig    `yaml:"oracle"`
	Collateral  []Collateral    `yaml:"collateral"`
	Accounts    []Account       `yaml:"accounts"`
	Policy      []policy.Rule   `yaml:"policy"`
	Archive     ArchiveConfig   `yaml:"archive"`
	Limiter     *limiter.Policy `yaml:"limiter,omitempty"`
}

// OracleConfig configures the simulated oracle published to the finder.
type OracleConfig struct {
	Address            string            `yaml:"address"`
	Version            string            `yaml:"version"`
	Constraint         string            `yaml:"constraint"`
	DefaultMinimumBond string            `yaml:"default_minimum_bond"`
	MinimumBonds       map[string]string `yaml:"minimum_bonds"`
	Identifiers        []string          `yaml:"identifiers"`
}

// Collateral is a whitelisted bond token with its initial balances.
type Collateral struct {
	Address string            `yaml:"address"`
	Mint    map[string]string `yaml:"mint"`
}

// Account is one governed account with its registry settings and vault roles.
type Account struct {
	Account           string        `yaml:"account"`
	Module            string        `yaml:"module"`
	Collateral        string        `yaml:"collateral"`
	Bond              string        `yaml:"bond"`
	Liveness          time.Duration `yaml:"liveness"`
	Identifier        string        `yaml:"identifier"`
	EscalationManager string        `yaml:"escalation_manager"`
	Rules             string        `yaml:"rules"`
	Controller        string        `yaml:"controller"`
	Guardian          string        `yaml:"guardian"`
	Proposer          string        `yaml:"proposer"`
	NativeBalance     string        `yaml:"native_balance"`
}

// ArchiveConfig selects where proposal bodies are stored.
type ArchiveConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// Options converts the archive section for archive.Open.
func (a ArchiveConfig) Options() archive.Options {
	return archive.Options{
		Backend:  archive.Backend(a.Backend),
		Dir:      a.Dir,
		Bucket:   a.Bucket,
		Region:   a.Region,
		Endpoint: a.Endpoint,
		Prefix:   a.Prefix,
	}
}

// LoadDeployment reads and validates a deployment file.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load deployment %q: %w", path, err)
	}
	return ParseDeployment(data)
}

// ParseDeployment decodes and validates YAML deployment data.
func ParseDeployment(data []byte) (*Deployment, error) {
	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse deployment: %w", err)
	}
	if d.Oracle.Version == "" {
		d.Oracle.Version = "1.0.0"
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks every address and amount in the deployment.
func (d *Deployment) Validate() error {
	if _, err := Address("cat", d.CAT); err != nil {
		return err
	}
	if d.ManualDelay < 0 {
		return fmt.Errorf("manual_delay must not be negative")
	}
	if _, err := Address("oracle.address", d.Oracle.Address); err != nil {
		return err
	}
	if _, err := OptionalAmount("oracle.default_minimum_bond", d.Oracle.DefaultMinimumBond); err != nil {
		return err
	}
	for token, amount := range d.Oracle.MinimumBonds {
		if _, err := Address("oracle.minimum_bonds", token); err != nil {
			return err
		}
		if _, err := OptionalAmount("oracle.minimum_bonds."+token, amount); err != nil {
			return err
		}
	}
	for i, c := range d.Collateral {
		if _, err := Address(fmt.Sprintf("collateral[%d].address", i), c.Address); err != nil {
			return err
		}
		for holder, amount := range c.Mint {
			if _, err := Address(fmt.Sprintf("collateral[%d].mint", i), holder); err != nil {
				return err
			}
			if _, err := OptionalAmount(fmt.Sprintf("collateral[%d].mint.%s", i, holder), amount); err != nil {
				return err
			}
		}
	}
	if len(d.Accounts) == 0 {
		return fmt.Errorf("deployment declares no accounts")
	}
	seen := make(map[string]bool)
	for i, a := range d.Accounts {
		field := func(name string) string { return fmt.Sprintf("accounts[%d].%s", i, name) }
		for name, v := range map[string]string{
			"account":    a.Account,
			"module":     a.Module,
			"collateral": a.Collateral,
			"controller": a.Controller,
		} {
			if _, err := Address(field(name), v); err != nil {
				return err
			}
		}
		for name, v := range map[string]string{
			"guardian":           a.Guardian,
			"proposer":           a.Proposer,
			"escalation_manager": a.EscalationManager,
		} {
			if _, err := OptionalAddress(field(name), v); err != nil {
				return err
			}
		}
		if _, err := OptionalAmount(field("bond"), a.Bond); err != nil {
			return err
		}
		if _, err := OptionalAmount(field("native_balance"), a.NativeBalance); err != nil {
			return err
		}
		if strings.TrimSpace(a.Rules) == "" {
			return fmt.Errorf("%s: %w", field("rules"), contracts.ErrEmptyRules)
		}
		key := strings.ToLower(a.Account)
		if seen[key] {
			return fmt.Errorf("%s: duplicate account %s", field("account"), a.Account)
		}
		seen[key] = true
	}
	return nil
}

// Address parses a required hex address.
func Address(field, s string) (contracts.Address, error) {
	if !common.IsHexAddress(s) {
		return contracts.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	a := common.HexToAddress(s)
	if a == contracts.ZeroAddress {
		return contracts.Address{}, fmt.Errorf("%s: %w", field, contracts.ErrInvalidAddress)
	}
	return a, nil
}

// OptionalAddress parses a hex address; empty means the zero address.
func OptionalAddress(field, s string) (contracts.Address, error) {
	if s == "" {
		return contracts.ZeroAddress, nil
	}
	if !common.IsHexAddress(s) {
		return contracts.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// OptionalAmount parses a decimal amount; empty means zero.
func OptionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid amount %q: %w", field, s, err)
	}
	return v, nil
}
