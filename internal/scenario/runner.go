package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/callwarden/internal/config"
	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/pipeline"
)

// errToolFailed is returned by the stand-in tool of cases with fail: true.
var errToolFailed = errors.New("tool failed")

// Run executes every case in order against b, in one fresh session.
// Allowed calls run a stand-in tool that returns the case output.
func Run(ctx context.Context, s *Scenario, b *contract.Bundle) (*RunResult, error) {
	pipe, err := pipeline.New(b)
	if err != nil {
		return nil, err
	}
	result := &RunResult{
		Name:          s.Name,
		PolicyVersion: b.Version,
		Total:         len(s.Cases),
	}
	session := "scenario-" + s.Name

	for i, c := range s.Cases {
		cr := CaseResult{
			Index:    i + 1,
			Name:     c.Name,
			Tool:     c.Call.Tool,
			Expected: normalizeEffect(c.Expect),
		}

		call := s.toModelCall(c.Call, session)
		outcome, err := pipe.Run(ctx, call, func(context.Context, *model.Envelope) (any, error) {
			if c.Call.Fail {
				return nil, errToolFailed
			}
			if c.Call.Output != nil {
				return *c.Call.Output, nil
			}
			return "", nil
		})
		if err != nil {
			cr.Actual = "error"
			cr.Problem = err.Error()
		} else {
			cr.Actual = strings.ToLower(string(outcome.Effect))
			cr.DecidedBy = outcome.Decision.DecidedBy
			cr.Reason = outcome.Decision.Reason
			cr.Warnings = outcome.Warnings
			cr.Problem = checkCase(c, cr)
		}

		if cr.Problem == "" {
			cr.Passed = true
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}
	return result, nil
}

func checkCase(c Case, cr CaseResult) string {
	switch {
	case cr.Actual != cr.Expected:
		return fmt.Sprintf("expected %s, got %s", cr.Expected, cr.Actual)
	case c.DecidedBy != "" && c.DecidedBy != cr.DecidedBy:
		return fmt.Sprintf("expected decided_by %s, got %q", c.DecidedBy, cr.DecidedBy)
	case c.Warn && len(cr.Warnings) == 0:
		return "expected a warning, got none"
	case !c.Warn && len(cr.Warnings) > 0:
		return fmt.Sprintf("unexpected warning: %s", cr.Warnings[0])
	}
	return ""
}

// normalizeEffect accepts "allow", "deny" and "would_deny" as shorthands.
func normalizeEffect(s string) string {
	switch e := strings.ToLower(strings.TrimSpace(s)); e {
	case "allow":
		return "allowed"
	case "deny":
		return "denied"
	case "would_deny", "observe":
		return "call_would_deny"
	default:
		return e
	}
}

func (s *Scenario) toModelCall(c Call, session string) model.Call {
	mc := model.Call{
		Tool:        c.Tool,
		Args:        c.Args,
		SessionID:   session,
		Environment: c.Environment,
		SideEffect:  model.SideEffect(c.SideEffect),
	}
	if mc.Args == nil {
		mc.Args = map[string]any{}
	}
	if mc.Environment == "" {
		mc.Environment = s.Environment
	}
	p := c.Principal
	if p == nil {
		p = s.Principal
	}
	if p != nil {
		mc.Principal = &model.Principal{
			UserID:    p.UserID,
			ServiceID: p.ServiceID,
			OrgID:     p.OrgID,
			Role:      p.Role,
			TicketRef: p.TicketRef,
			Claims:    p.Claims,
		}
	}
	return mc
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	for i, c := range s.Cases {
		if c.Call.Tool == "" {
			return nil, fmt.Errorf("scenario %s: case %d: call.tool is required", path, i+1)
		}
		if c.Expect == "" {
			return nil, fmt.Errorf("scenario %s: case %d: expect is required", path, i+1)
		}
	}
	return &s, nil
}

// LoadAndRun loads a scenario file and runs it against bundleRef, or
// against the scenario's own bundle when bundleRef is empty.
func LoadAndRun(ctx context.Context, path, bundleRef string) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}

	ref := bundleRef
	if ref == "" {
		if s.Bundle == "" {
			return nil, fmt.Errorf("scenario %s: no bundle given", path)
		}
		ref = s.Bundle
		if !strings.HasPrefix(ref, config.TemplatePrefix) && !filepath.IsAbs(ref) {
			ref = filepath.Join(filepath.Dir(path), ref)
		}
	}
	b, err := config.LoadBundle(ref)
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}

	result, err := Run(ctx, s, b)
	if err != nil {
		return nil, err
	}
	result.File = path
	return result, nil
}
