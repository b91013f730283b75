// Package contract compiles declarative rule bundles into immutable,
// precompiled contracts.
package contract

import (
	"path"

	"github.com/ppiankov/callwarden/internal/expr"
	"github.com/ppiankov/callwarden/internal/model"
)

const (
	APIVersion = "callwarden/v1"
	Kind       = "ContractBundle"

	// MaxBundleSize caps the raw bundle source.
	MaxBundleSize = 1 << 20

	// MaxMessageLen caps both the message template and the rendered message.
	MaxMessageLen = 500

	// MaxExpansionLen caps a single {placeholder} expansion.
	MaxExpansionLen = 200
)

// Bundle is a compiled rule set. It is never mutated after Compile returns;
// reloading produces a new Bundle.
type Bundle struct {
	Name        string
	DefaultMode model.Mode
	Contracts   []*Contract

	// Version is the hex SHA-256 of the raw source bytes.
	Version string
}

// Contract is one compiled governance rule.
type Contract struct {
	ID      string
	Type    model.ContractType
	Enabled bool

	// Mode is the effective mode, resolved against the bundle default.
	Mode model.Mode

	// Tool is an exact name, "*" or a glob. Empty for session contracts.
	Tool string

	// When is nil for session contracts.
	When expr.Expr

	Then   Action
	Limits *Limits

	Line int
}

// Action is what a contract requests when its condition holds.
type Action struct {
	Effect   model.Effect
	Message  string
	Tags     []string
	Metadata map[string]any
}

// Limits are the numeric caps of a session contract. Zero means unset.
type Limits struct {
	MaxToolCalls    int
	MaxAttempts     int
	MaxCallsPerTool map[string]int
}

// MatchesTool reports whether the contract targets tool.
func (c *Contract) MatchesTool(tool string) bool {
	if c.Tool == "*" || c.Tool == tool {
		return true
	}
	ok, err := path.Match(c.Tool, tool)
	return err == nil && ok
}

// Observe reports whether the contract runs in observe mode.
func (c *Contract) Observe() bool {
	return c.Mode == model.ModeObserve
}

// Preconditions returns the enabled pre contracts targeting tool, in
// bundle order.
func (b *Bundle) Preconditions(tool string) []*Contract {
	return b.filter(model.ContractPre, tool)
}

// Postconditions returns the enabled post contracts targeting tool, in
// bundle order.
func (b *Bundle) Postconditions(tool string) []*Contract {
	return b.filter(model.ContractPost, tool)
}

// SessionContracts returns the enabled session contracts in bundle order.
func (b *Bundle) SessionContracts() []*Contract {
	var out []*Contract
	for _, c := range b.Contracts {
		if c.Enabled && c.Type == model.ContractSession {
			out = append(out, c)
		}
	}
	return out
}

// Contract looks up a contract by id.
func (b *Bundle) Contract(id string) (*Contract, bool) {
	for _, c := range b.Contracts {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

func (b *Bundle) filter(t model.ContractType, tool string) []*Contract {
	var out []*Contract
	for _, c := range b.Contracts {
		if c.Enabled && c.Type == t && c.MatchesTool(tool) {
			out = append(out, c)
		}
	}
	return out
}
