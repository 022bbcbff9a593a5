package dsl

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/axion-labs/plancore/pkg/fault"
)

// Expression forms supported inside string fields:
//
//	{{var}}                     top-level plan/run variable
//	{{steps[i].field}}          output field of an earlier step
//	{{secrets://[service/]key}} secret reference, resolved last
//	{{date}} {{index}} {{basename}}  rename/pattern built-ins
//	{{ x | replace:'a','b' }}   single bounded filter
//
// Rendering happens at step start, never at plan load.
var (
	exprRe    = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	stepRefRe = regexp.MustCompile(`^steps\[(\d+)\]\.([A-Za-z_][A-Za-z0-9_]*)$`)
	filterRe  = regexp.MustCompile(`^(.+?)\s*\|\s*replace:\s*'([^']*)'\s*,\s*'([^']*)'$`)
)

const (
	secretScheme = "secrets://"
	// maxRenderPasses bounds nested substitution so a variable referencing
	// itself cannot loop.
	maxRenderPasses = 10
)

// Scope supplies values during rendering. Nil members disable the
// corresponding form (a reference then fails with VALIDATION_FAILED).
type Scope struct {
	Variables map[string]any
	// StepField returns the named output field of a completed step.
	StepField func(index int, field string) (any, bool)
	// Secret resolves "key" or "service/key". The resolver tags values
	// sensitive; Render inserts them verbatim and leaves masking to the
	// caller's masker.
	Secret func(ref string) (string, error)
	Now    func() time.Time
	// Index and Basename feed the rename-pattern built-ins.
	Index    int
	Basename string
}

// Render substitutes every expression in s. Non-secret forms are expanded
// to a fixpoint first; secret references are resolved in a single final
// pass so secret values never feed back into further expansion.
func Render(s string, sc Scope) (string, error) {
	var rerr error
	cur := s
	for pass := 0; pass < maxRenderPasses; pass++ {
		next := exprRe.ReplaceAllStringFunc(cur, func(m string) string {
			inner := strings.TrimSpace(exprRe.FindStringSubmatch(m)[1])
			if strings.HasPrefix(inner, secretScheme) {
				return m // deferred
			}
			v, err := evalExpr(inner, sc)
			if err != nil {
				if rerr == nil {
					rerr = err
				}
				return m
			}
			return v
		})
		if rerr != nil {
			return "", rerr
		}
		if next == cur {
			cur = next
			break
		}
		cur = next
	}

	// Final pass: secrets only.
	out := exprRe.ReplaceAllStringFunc(cur, func(m string) string {
		inner := strings.TrimSpace(exprRe.FindStringSubmatch(m)[1])
		if !strings.HasPrefix(inner, secretScheme) {
			return m
		}
		if sc.Secret == nil {
			if rerr == nil {
				rerr = fault.New(fault.CodeSecretNotFound, "no secrets resolver for %q", inner)
			}
			return m
		}
		v, err := sc.Secret(strings.TrimPrefix(inner, secretScheme))
		if err != nil {
			if rerr == nil {
				rerr = err
			}
			return m
		}
		return v
	})
	if rerr != nil {
		return "", rerr
	}
	return out, nil
}

func evalExpr(inner string, sc Scope) (string, error) {
	if m := filterRe.FindStringSubmatch(inner); m != nil {
		base, err := evalExpr(strings.TrimSpace(m[1]), sc)
		if err != nil {
			return "", err
		}
		return strings.ReplaceAll(base, m[2], m[3]), nil
	}

	if m := stepRefRe.FindStringSubmatch(inner); m != nil {
		idx, _ := strconv.Atoi(m[1])
		if sc.StepField == nil {
			return "", fault.New(fault.CodeValidationFailed, "step reference %q outside run context", inner)
		}
		v, ok := sc.StepField(idx, m[2])
		if !ok {
			return "", fault.New(fault.CodeValidationFailed, "step %d has no output field %q", idx, m[2])
		}
		return stringify(v), nil
	}

	switch inner {
	case "date":
		now := time.Now
		if sc.Now != nil {
			now = sc.Now
		}
		return now().Format("20060102"), nil
	case "index":
		return strconv.Itoa(sc.Index), nil
	case "basename":
		return sc.Basename, nil
	}

	if v, ok := sc.Variables[inner]; ok {
		return stringify(v), nil
	}
	return "", fault.New(fault.CodeValidationFailed, "undefined variable %q", inner)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(t, ",")
	case nil:
		return ""
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// StepRefs returns the sorted, deduplicated step indexes referenced by s.
// Used by the validator's forward-reference check.
func StepRefs(s string) []int {
	seen := map[int]bool{}
	for _, m := range exprRe.FindAllStringSubmatch(s, -1) {
		inner := strings.TrimSpace(m[1])
		inner = stripFilter(inner)
		if sm := stepRefRe.FindStringSubmatch(inner); sm != nil {
			idx, _ := strconv.Atoi(sm[1])
			seen[idx] = true
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// VarRefs returns the plain variable names referenced by s, excluding step
// references, secret references, and built-ins.
func VarRefs(s string) []string {
	builtins := map[string]bool{"date": true, "index": true, "basename": true}
	seen := map[string]bool{}
	for _, m := range exprRe.FindAllStringSubmatch(s, -1) {
		inner := strings.TrimSpace(m[1])
		inner = stripFilter(inner)
		if strings.HasPrefix(inner, secretScheme) || stepRefRe.MatchString(inner) || builtins[inner] {
			continue
		}
		seen[inner] = true
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// SecretRefs returns the secret references ([service/]key) in s.
func SecretRefs(s string) []string {
	var out []string
	for _, m := range exprRe.FindAllStringSubmatch(s, -1) {
		inner := strings.TrimSpace(m[1])
		if strings.HasPrefix(inner, secretScheme) {
			out = append(out, strings.TrimPrefix(inner, secretScheme))
		}
	}
	return out
}

func stripFilter(inner string) string {
	if m := filterRe.FindStringSubmatch(inner); m != nil {
		return strings.TrimSpace(m[1])
	}
	return inner
}

// WalkStrings visits every string value in a params tree, depth-first.
// Used for whole-step reference analysis and substitution.
func WalkStrings(v any, visit func(s string)) {
	switch t := v.(type) {
	case string:
		visit(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			WalkStrings(t[k], visit)
		}
	case []any:
		for _, e := range t {
			WalkStrings(e, visit)
		}
	}
}

// RenderParams renders every string in params, returning a new tree. The
// original params are never mutated.
func RenderParams(params map[string]any, sc Scope) (map[string]any, error) {
	out, err := renderValue(params, sc)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func renderValue(v any, sc Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return Render(t, sc)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := renderValue(e, sc)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := renderValue(e, sc)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
