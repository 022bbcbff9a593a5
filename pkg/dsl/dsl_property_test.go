//go:build property
// +build property

package dsl_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/axion-labs/plancore/pkg/dsl"
)

// refPlan builds a plan of n save_draft steps where the step at pos
// references steps[target].paths.
func refPlan(n, pos, target int) string {
	var b strings.Builder
	b.WriteString("dsl_version: \"1.1\"\nsteps:\n")
	for i := 0; i < n; i++ {
		if i == pos {
			fmt.Fprintf(&b, "  - attach_files:\n      files: \"{{steps[%d].paths}}\"\n", target)
			continue
		}
		b.WriteString("  - save_draft: {}\n")
	}
	return b.String()
}

func TestStepReferenceOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("references to earlier steps validate, later or self reject", prop.ForAll(
		func(n, pos, target int) bool {
			pos = pos % n
			p, err := dsl.Parse([]byte(refPlan(n, pos, target)))
			if err != nil {
				return false
			}
			err = dsl.Validate(p)
			if target < pos {
				return err == nil
			}
			return err != nil && strings.Contains(err.Error(), "forward reference")
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 7),
		gen.IntRange(0, 15),
	))

	properties.Property("render of a plain string is identity", prop.ForAll(
		func(s string) bool {
			if strings.ContainsAny(s, "{}") {
				return true // only expression-free strings are identities
			}
			out, err := dsl.Render(s, dsl.Scope{})
			return err == nil && out == s
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
