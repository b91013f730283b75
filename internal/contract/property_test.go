package contract

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func bundleWithMessage(msg string) []byte {
	return []byte(fmt.Sprintf(`apiVersion: callwarden/v1
kind: ContractBundle
metadata: {name: prop}
contracts:
  - id: p
    type: pre
    tool: t
    when: {args.x: {exists: true}}
    then: {effect: deny, message: %q}
`, msg))
}

func TestBundleVersionProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("version is deterministic", prop.ForAll(
		func(msg string) bool {
			a, errA := Compile(bundleWithMessage(msg))
			b, errB := Compile(bundleWithMessage(msg))
			return errA == nil && errB == nil && a.Version == b.Version
		},
		gen.AlphaString(),
	))

	properties.Property("different bytes give different versions", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			ba, errA := Compile(bundleWithMessage(a))
			bb, errB := Compile(bundleWithMessage(b))
			return errA == nil && errB == nil && ba.Version != bb.Version
		},
		gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}
