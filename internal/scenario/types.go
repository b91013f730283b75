// Package scenario runs YAML test suites of tool calls against a bundle.
package scenario

// Principal is the identity a case acts as.
type Principal struct {
	UserID    string         `yaml:"user_id"`
	ServiceID string         `yaml:"service_id"`
	OrgID     string         `yaml:"org_id"`
	Role      string         `yaml:"role"`
	TicketRef string         `yaml:"ticket_ref"`
	Claims    map[string]any `yaml:"claims"`
}

// Call is the call under test. Output, when set, is what the tool returns
// and what postconditions see; Fail makes the tool return an error.
type Call struct {
	Tool        string         `yaml:"tool"`
	Args        map[string]any `yaml:"args"`
	Environment string         `yaml:"environment,omitempty"`
	Principal   *Principal     `yaml:"principal,omitempty"`
	SideEffect  string         `yaml:"side_effect,omitempty"`
	Output      *string        `yaml:"output,omitempty"`
	Fail        bool           `yaml:"fail,omitempty"`
}

// Case is one test case within a scenario.
type Case struct {
	Name      string `yaml:"name,omitempty"`
	Call      Call   `yaml:"call"`
	Expect    string `yaml:"expect"`
	DecidedBy string `yaml:"decided_by,omitempty"`
	Warn      bool   `yaml:"warn,omitempty"`
}

// Scenario is a named, ordered collection of calls sharing one session,
// so session limits apply across cases.
type Scenario struct {
	Name string `yaml:"name"`
	// Bundle is resolved relative to the scenario file.
	Bundle      string     `yaml:"bundle,omitempty"`
	Environment string     `yaml:"environment,omitempty"`
	Principal   *Principal `yaml:"principal,omitempty"`
	Cases       []Case     `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index     int      `json:"index"`
	Name      string   `json:"name,omitempty"`
	Passed    bool     `json:"passed"`
	Tool      string   `json:"tool"`
	Expected  string   `json:"expected"`
	Actual    string   `json:"actual"`
	DecidedBy string   `json:"decided_by,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Problem   string   `json:"problem,omitempty"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File          string       `json:"file"`
	Name          string       `json:"name"`
	PolicyVersion string       `json:"policy_version"`
	Total         int          `json:"total"`
	Passed        int          `json:"passed"`
	Failed        int          `json:"failed"`
	Cases         []CaseResult `json:"cases"`
}
