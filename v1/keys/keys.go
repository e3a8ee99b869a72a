// Package keys derives lock keys from a static prefix and the arguments of
// the guarded call.
//
// A key has the form
//
//	lock.<prefix>[#<fragment>.<fragment>...]
//
// where prefix defaults to "<target>.<method>" and every fragment is a
// text/template evaluated against the call arguments. The shorthand "#name.Field"
// is accepted for "{{.name.Field}}".
package keys

import (
	"fmt"
	"strings"
	"text/template"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

const (
	// Root starts every derived key.
	Root = "lock."
	// Separator splits the static part from the argument-derived suffix.
	Separator = "#"
)

// Spec describes how a key is derived.
type Spec struct {
	Prefix   string
	Target   string
	Method   string
	Template []string
}

// Resolver is a compiled Spec.
type Resolver struct {
	base  string
	frags []*template.Template
}

// Compile parses the template fragments of spec.
func Compile(spec Spec) (*Resolver, error) {
	base := spec.Prefix
	if base == "" {
		if spec.Target == "" || spec.Method == "" {
			return nil, fmt.Errorf("%w: prefix or target and method required", lockerrors.ErrInvalidKey)
		}
		base = spec.Target + "." + spec.Method
	}
	r := &Resolver{base: Root + base}
	for i, frag := range spec.Template {
		if strings.TrimSpace(frag) == "" {
			continue
		}
		tpl, err := template.New(fmt.Sprintf("key%d", i)).
			Option("missingkey=error").
			Parse(expand(frag))
		if err != nil {
			return nil, fmt.Errorf("%w: fragment %q: %v", lockerrors.ErrInvalidKey, frag, err)
		}
		r.frags = append(r.frags, tpl)
	}
	return r, nil
}

// expand rewrites the "#path" shorthand into template syntax.
func expand(frag string) string {
	if strings.HasPrefix(frag, "#") && !strings.Contains(frag, "{{") {
		return "{{." + strings.TrimPrefix(frag, "#") + "}}"
	}
	return frag
}

// Resolve evaluates the fragments against args. Fragments rendering to an
// empty string are skipped.
func (r *Resolver) Resolve(args map[string]any) (string, error) {
	if len(r.frags) == 0 {
		return r.base, nil
	}
	parts := make([]string, 0, len(r.frags))
	var sb strings.Builder
	for _, tpl := range r.frags {
		sb.Reset()
		if err := tpl.Execute(&sb, args); err != nil {
			return "", fmt.Errorf("%w: %v", lockerrors.ErrInvalidKey, err)
		}
		if s := sb.String(); s != "" && s != "<no value>" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return r.base, nil
	}
	return r.base + Separator + strings.Join(parts, "."), nil
}

// Resolve compiles spec and evaluates it against args.
func Resolve(spec Spec, args map[string]any) (string, error) {
	r, err := Compile(spec)
	if err != nil {
		return "", err
	}
	return r.Resolve(args)
}
