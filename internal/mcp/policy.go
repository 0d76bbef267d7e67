package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/timevault/pkg/engine"
)

// Policy is the MCP tool policy. Read-only tools are always available;
// mutating tools are gated here.
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	DeniedTools   []string `yaml:"denied_tools"`
	AllowedTools  []string `yaml:"allowed_tools"`

	// MaxDepositAmount caps deposits made over MCP, in base units.
	// Zero means no cap.
	MaxDepositAmount uint64 `yaml:"max_deposit_amount"`
}

// PolicyFileName is the name of the policy file
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("MCP policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("MCP policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("MCP policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("MCP policy file not owned by current user")

// LoadPolicy loads the MCP policy from the data directory. The file is
// opened symlink-free and checked for 0600 permissions and ownership before
// parsing, so a swapped or loosened file is rejected rather than trusted.
func LoadPolicy(dataDir string) (*Policy, error) {
	policyPath := filepath.Join(dataDir, PolicyFileName)

	// Open first, then stat the descriptor: no window between check and read
	f, err := openPolicyFile(policyPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}

	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if policy.Version != 1 {
		return nil, fmt.Errorf("unsupported policy version: %d", policy.Version)
	}

	// Default to deny if not specified
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}

	return &policy, nil
}

// IsToolAllowed checks whether a mutating tool may run.
// Evaluation order: denied_tools, then allowed_tools, then default_action.
func (p *Policy) IsToolAllowed(tool string) (allowed bool, reason string) {
	for _, denied := range p.DeniedTools {
		if denied == tool {
			return false, fmt.Sprintf("tool '%s' matches denied_tools", tool)
		}
	}

	for _, a := range p.AllowedTools {
		if a == tool {
			return true, ""
		}
	}

	if p.DefaultAction == ActionAllow {
		return true, ""
	}

	return false, fmt.Sprintf("tool '%s' not in allowed_tools list", tool)
}

// CheckDepositAmount enforces the policy's deposit cap.
func (p *Policy) CheckDepositAmount(amount engine.Amount) (allowed bool, reason string) {
	if p.MaxDepositAmount > 0 && uint64(amount) > p.MaxDepositAmount {
		return false, fmt.Sprintf("deposit of %d base units exceeds policy cap of %d", amount, p.MaxDepositAmount)
	}
	return true, ""
}

// ValidatePolicy validates the policy configuration
func (p *Policy) ValidatePolicy() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}

	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}

	return nil
}
