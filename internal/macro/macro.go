// Package macro models configuration values that may hold ${name} references
// which are only resolved at run time.
package macro

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/errs"
)

var ref = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Value is either a known value or a deferred macro expression. The zero
// Value is known and holds the zero T.
type Value[T any] struct {
	v          T
	expr       string
	unresolved bool
}

// Known returns a resolved value.
func Known[T any](v T) Value[T] { return Value[T]{v: v} }

// Unresolved returns a deferred value carrying its raw expression.
func Unresolved[T any](expr string) Value[T] { return Value[T]{expr: expr, unresolved: true} }

// String classifies raw text: Unresolved when it references a macro, Known otherwise.
func String(raw string) Value[string] {
	if Contains(raw) {
		return Unresolved[string](raw)
	}
	return Known(raw)
}

func (v Value[T]) IsResolved() bool { return !v.unresolved }

// Get returns the value and whether it is known.
func (v Value[T]) Get() (T, bool) { return v.v, !v.unresolved }

// Expr returns the raw expression of an unresolved value.
func (v Value[T]) Expr() string { return v.expr }

func (v Value[T]) String() string {
	if v.unresolved {
		return v.expr
	}
	return fmt.Sprint(v.v)
}

// Contains reports whether s references at least one macro.
func Contains(s string) bool { return ref.MatchString(s) }

// Evaluate substitutes every ${name} in s from lookup. References without a
// binding produce a ConfigError listing them.
func Evaluate(s string, lookup map[string]string) (string, error) {
	missing := map[string]struct{}{}
	out := ref.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.TrimSpace(m[2 : len(m)-1])
		if v, ok := lookup[name]; ok {
			return v
		}
		missing[name] = struct{}{}
		return m
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", errs.Config(errs.ErrUnresolved, "no value for macro(s) %s", strings.Join(names, ", "))
	}
	return out, nil
}

// Resolve evaluates an unresolved string value; known values pass through.
func Resolve(v Value[string], lookup map[string]string) (Value[string], error) {
	if v.IsResolved() {
		return v, nil
	}
	s, err := Evaluate(v.expr, lookup)
	if err != nil {
		return v, err
	}
	return Known(s), nil
}
