package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/callwarden/internal/expr"
	"github.com/ppiankov/callwarden/internal/model"
)

// CompileFile reads and compiles a bundle from disk. The size limit is
// checked before the file is read.
func CompileFile(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	if info.Size() > MaxBundleSize {
		return nil, &ParseError{Err: fmt.Errorf("bundle file too large (%d bytes, max %d)", info.Size(), MaxBundleSize)}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return Compile(raw)
}

// Compile parses and validates raw bundle bytes. It returns a *ParseError
// when the bytes are not a YAML mapping and a *ValidationError listing
// every problem otherwise. The bundle version is the SHA-256 of raw.
func Compile(raw []byte) (*Bundle, error) {
	if len(raw) > MaxBundleSize {
		return nil, &ParseError{Err: fmt.Errorf("bundle too large (%d bytes, max %d)", len(raw), MaxBundleSize)}
	}
	sum := sha256.Sum256(raw)

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, &ParseError{Err: err}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &ParseError{Err: errors.New("empty document")}
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, &ParseError{Line: top.Line, Err: errors.New("document must be a mapping")}
	}

	var decoded any
	if err := top.Decode(&decoded); err != nil {
		return nil, &ParseError{Line: top.Line, Err: err}
	}
	doc, err := model.NormalizeValue(decoded)
	if err != nil {
		return nil, &ParseError{Line: top.Line, Err: err}
	}

	ps := &problems{}
	validateSchema(doc, &root, ps)

	b := &Bundle{
		DefaultMode: model.ModeEnforce,
		Version:     hex.EncodeToString(sum[:]),
	}
	c := &compiler{ps: ps}
	c.bundle(top, b)

	if err := ps.err(); err != nil {
		return nil, err
	}
	return b, nil
}

type compiler struct {
	ps *problems
}

func (c *compiler) bundle(top *yaml.Node, b *Bundle) {
	if meta := field(top, "metadata"); meta != nil {
		if name := field(meta, "name"); name != nil {
			b.Name = name.Value
		}
	}
	if defaults := field(top, "defaults"); defaults != nil {
		if mode := field(defaults, "mode"); mode != nil && isMode(mode.Value) {
			b.DefaultMode = model.Mode(mode.Value)
		}
	}

	list := field(top, "contracts")
	if list == nil || list.Kind != yaml.SequenceNode {
		return
	}
	firstSeen := make(map[string]int)
	for i, n := range list.Content {
		path := fmt.Sprintf("contracts[%d]", i)
		ct := c.contract(n, path, b.DefaultMode)
		if ct == nil {
			continue
		}
		if ct.ID != "" {
			if line, dup := firstSeen[ct.ID]; dup {
				c.ps.add(ct.Line, path+".id", "duplicate contract id %q (first defined on line %d)", ct.ID, line)
			} else {
				firstSeen[ct.ID] = ct.Line
			}
		}
		b.Contracts = append(b.Contracts, ct)
	}
}

func (c *compiler) contract(n *yaml.Node, path string, defaultMode model.Mode) *Contract {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	ct := &Contract{Enabled: true, Mode: defaultMode, Line: n.Line}

	if id := field(n, "id"); id != nil {
		ct.ID = id.Value
		ct.Line = id.Line
	}
	if t := field(n, "type"); t != nil {
		ct.Type = model.ContractType(t.Value)
	}
	if en := field(n, "enabled"); en != nil {
		var v bool
		if err := en.Decode(&v); err == nil {
			ct.Enabled = v
		}
	}
	if mode := field(n, "mode"); mode != nil && isMode(mode.Value) {
		ct.Mode = model.Mode(mode.Value)
	}

	if then := field(n, "then"); then != nil {
		c.action(then, path+".then", ct)
	}

	tool, when, limits := field(n, "tool"), field(n, "when"), field(n, "limits")
	switch ct.Type {
	case model.ContractPre, model.ContractPost:
		if tool == nil {
			c.ps.add(ct.Line, path, "%s contracts require tool", ct.Type)
		} else {
			ct.Tool = tool.Value
		}
		if when == nil {
			c.ps.add(ct.Line, path, "%s contracts require when", ct.Type)
		} else if e := c.expr(when, path+".when"); e != nil {
			ct.When = e
			if ct.Type == model.ContractPre && expr.HasSelector(e, expr.SelOutputText) {
				c.ps.add(when.Line, path+".when", "output.text is not available in pre contracts")
			}
		}
		if limits != nil {
			c.ps.add(limits.Line, path+".limits", "limits are only allowed on session contracts")
		}
	case model.ContractSession:
		if tool != nil {
			c.ps.add(tool.Line, path+".tool", "session contracts must not set tool")
		}
		if when != nil {
			c.ps.add(when.Line, path+".when", "session contracts must not set when")
		}
		if limits == nil {
			c.ps.add(ct.Line, path, "session contracts require limits")
		} else {
			ct.Limits = c.limits(limits, path+".limits")
		}
	}
	return ct
}

func (c *compiler) action(n *yaml.Node, path string, ct *Contract) {
	if n.Kind != yaml.MappingNode {
		return
	}
	if eff := field(n, "effect"); eff != nil {
		ct.Then.Effect = model.Effect(eff.Value)
		switch ct.Type {
		case model.ContractPre, model.ContractPost, model.ContractSession:
			if want := model.FailEffect(ct.Type); ct.Then.Effect != want {
				c.ps.add(eff.Line, path+".effect", "%s contracts must use effect %q, got %q", ct.Type, want, eff.Value)
			}
		}
	}
	if msg := field(n, "message"); msg != nil {
		ct.Then.Message = msg.Value
		if err := ValidateTemplate(msg.Value); err != nil {
			c.ps.add(msg.Line, path+".message", "%v", err)
		}
	}
	if tags := field(n, "tags"); tags != nil {
		var v []string
		if err := tags.Decode(&v); err == nil {
			ct.Then.Tags = v
		}
	}
	if meta := field(n, "metadata"); meta != nil {
		var v map[string]any
		if err := meta.Decode(&v); err == nil {
			if norm, err := model.NormalizeArgs(v); err == nil {
				ct.Then.Metadata = norm
			} else {
				c.ps.add(meta.Line, path+".metadata", "%v", err)
			}
		}
	}
}

func (c *compiler) limits(n *yaml.Node, path string) *Limits {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	l := &Limits{}
	if v := field(n, "max_tool_calls"); v != nil {
		_ = v.Decode(&l.MaxToolCalls)
	}
	if v := field(n, "max_attempts"); v != nil {
		_ = v.Decode(&l.MaxAttempts)
	}
	if v := field(n, "max_calls_per_tool"); v != nil {
		m := make(map[string]int)
		if err := v.Decode(&m); err == nil && len(m) > 0 {
			l.MaxCallsPerTool = m
		}
	}
	if l.MaxToolCalls <= 0 && l.MaxAttempts <= 0 && len(l.MaxCallsPerTool) == 0 {
		c.ps.add(n.Line, path, "session contracts require at least one of max_tool_calls, max_attempts, max_calls_per_tool")
	}
	return l
}

// expr compiles a when clause. Problems are recorded and nil is returned
// for any malformed subtree.
func (c *compiler) expr(n *yaml.Node, path string) expr.Expr {
	if n.Kind != yaml.MappingNode {
		c.ps.add(n.Line, path, "expression must be a mapping")
		return nil
	}
	if len(n.Content) != 2 {
		keys := make([]string, 0, len(n.Content)/2)
		for i := 0; i < len(n.Content); i += 2 {
			keys = append(keys, n.Content[i].Value)
		}
		c.ps.add(n.Line, path, "expression must have exactly one key, got %d (%s)", len(keys), strings.Join(keys, ", "))
		return nil
	}
	key, val := n.Content[0], n.Content[1]

	switch key.Value {
	case "all", "any":
		if val.Kind != yaml.SequenceNode || len(val.Content) == 0 {
			c.ps.add(key.Line, path+"."+key.Value, "%s requires a list with at least one child", key.Value)
			return nil
		}
		children := make([]expr.Expr, 0, len(val.Content))
		ok := true
		for i, child := range val.Content {
			e := c.expr(child, fmt.Sprintf("%s.%s[%d]", path, key.Value, i))
			if e == nil {
				ok = false
				continue
			}
			children = append(children, e)
		}
		if !ok {
			return nil
		}
		if key.Value == "all" {
			e, _ := expr.NewAnd(children...)
			return e
		}
		e, _ := expr.NewOr(children...)
		return e

	case "not":
		child := val
		if val.Kind == yaml.SequenceNode {
			if len(val.Content) != 1 {
				c.ps.add(key.Line, path+".not", "not requires exactly one child, got %d", len(val.Content))
				return nil
			}
			child = val.Content[0]
		}
		e := c.expr(child, path+".not")
		if e == nil {
			return nil
		}
		not, _ := expr.NewNot(e)
		return not
	}

	return c.leaf(key, val, path)
}

func (c *compiler) leaf(key, val *yaml.Node, path string) expr.Expr {
	selector := key.Value
	lpath := path + "." + selector
	if !expr.ValidSelector(selector) {
		c.ps.add(key.Line, lpath, "unknown selector %q", selector)
		return nil
	}
	if val.Kind != yaml.MappingNode || len(val.Content) != 2 {
		c.ps.add(key.Line, lpath, "selector must map to exactly one operator")
		return nil
	}
	opNode, operand := val.Content[0], val.Content[1]

	var raw any
	if err := operand.Decode(&raw); err != nil {
		c.ps.add(operand.Line, lpath+"."+opNode.Value, "%v", err)
		return nil
	}
	l, err := expr.NewLeaf(selector, expr.Operator(opNode.Value), raw)
	if err != nil {
		c.ps.add(opNode.Line, lpath+"."+opNode.Value, "%v", err)
		return nil
	}
	return l
}

// field returns the value node for key in a mapping node.
func field(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func isMode(s string) bool {
	return s == string(model.ModeEnforce) || s == string(model.ModeObserve)
}
