// Package template parses and renders stage command templates.
//
// Templates use HCL template syntax. Two roots are addressable:
//
//	${params.serviceName}      a key of the resolved parameter set
//	${exported.imageTag}       a variable exported by an earlier stage
//
// A literal "${" is written as "$${". Plain shell references such as
// $REPOSITORY_URI pass through untouched.
package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

const (
	RootParams   = "params"
	RootExported = "exported"
)

// Reference is one variable a template reads.
type Reference struct {
	Root string
	Path []string
}

func (r Reference) String() string {
	return strings.Join(append([]string{r.Root}, r.Path...), ".")
}

// Template is a parsed command template.
type Template struct {
	label string
	raw   string
	expr  hclsyntax.Expression
}

// Scope supplies the values a template renders against.
type Scope struct {
	Params   map[string]any
	Exported map[string]string
}

// Parse parses raw. label names the template in diagnostics.
func Parse(label, raw string) (*Template, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(raw), label, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse template %s: %s", label, diags.Error())
	}
	return &Template{label: label, raw: raw, expr: expr}, nil
}

// Raw returns the unparsed template text.
func (t *Template) Raw() string {
	return t.raw
}

// References returns the variables the template reads, sorted and
// de-duplicated.
func (t *Template) References() []Reference {
	seen := make(map[string]Reference)
	for _, traversal := range t.expr.Variables() {
		ref := Reference{Root: traversal.RootName()}
		for _, step := range traversal[1:] {
			attr, ok := step.(hcl.TraverseAttr)
			if !ok {
				break
			}
			ref.Path = append(ref.Path, attr.Name)
		}
		seen[ref.String()] = ref
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Reference, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

// Render evaluates the template against scope.
func (t *Template) Render(scope Scope) (string, error) {
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			RootParams:   toCty(scope.Params),
			RootExported: exportedToCty(scope.Exported),
		},
	}
	val, diags := t.expr.Value(ctx)
	if diags.HasErrors() {
		return "", fmt.Errorf("render template %s: %s", t.label, diags.Error())
	}
	if val.IsNull() {
		return "", fmt.Errorf("render template %s: result is null", t.label)
	}
	if !val.IsWhollyKnown() {
		return "", fmt.Errorf("render template %s: result is unknown", t.label)
	}
	str, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", t.label, err)
	}
	return str.AsString(), nil
}

// Render parses and renders raw in one step.
func Render(label, raw string, scope Scope) (string, error) {
	tmpl, err := Parse(label, raw)
	if err != nil {
		return "", err
	}
	return tmpl.Render(scope)
}

// RenderAll renders every template in order.
func RenderAll(label string, raws []string, scope Scope) ([]string, error) {
	out := make([]string, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		rendered, err := Render(fmt.Sprintf("%s[%d]", label, i), raw, scope)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, rendered)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func exportedToCty(vars map[string]string) cty.Value {
	if len(vars) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		attrs[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(attrs)
}

func toCty(v any) cty.Value {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case string:
		return cty.StringVal(t)
	case bool:
		return cty.BoolVal(t)
	case int:
		return cty.NumberIntVal(int64(t))
	case int64:
		return cty.NumberIntVal(t)
	case uint64:
		return cty.NumberUIntVal(t)
	case float64:
		return cty.NumberFloatVal(t)
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, item := range t {
			attrs[k] = toCty(item)
		}
		return cty.ObjectVal(attrs)
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal
		}
		items := make([]cty.Value, 0, len(t))
		for _, item := range t {
			items = append(items, toCty(item))
		}
		return cty.TupleVal(items)
	default:
		return cty.StringVal(fmt.Sprint(t))
	}
}
