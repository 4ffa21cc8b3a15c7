package sandbox

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// BuiltinFunc is one entry of a restricted builtins table.
type BuiltinFunc func(args ...any) (any, error)

// Globals is an execution namespace: a builtins table in which blocked names
// resolve to functions returning *SecurityError, plus caller bindings.
type Globals struct {
	builtins map[string]BuiltinFunc
	vars     map[string]any
	out      strings.Builder
}

// Builtin looks up a builtin by name.
func (g *Globals) Builtin(name string) (BuiltinFunc, bool) {
	fn, ok := g.builtins[name]
	return fn, ok
}

// Call invokes the builtin name.
func (g *Globals) Call(name string, args ...any) (any, error) {
	fn, ok := g.builtins[name]
	if !ok {
		return nil, fmt.Errorf("name '%s' is not defined", name)
	}
	return fn(args...)
}

// Lookup returns a caller-supplied binding.
func (g *Globals) Lookup(name string) (any, bool) {
	v, ok := g.vars[name]
	return v, ok
}

// Set binds name in the namespace.
func (g *Globals) Set(name string, v any) {
	g.vars[name] = v
}

// Names returns the builtin names in sorted order.
func (g *Globals) Names() []string {
	names := make([]string, 0, len(g.builtins))
	for n := range g.builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Output returns everything written by the print builtin.
func (g *Globals) Output() string { return g.out.String() }

func newGlobals(blocked nameSet, extra map[string]any) *Globals {
	g := &Globals{
		builtins: make(map[string]BuiltinFunc),
		vars:     make(map[string]any, len(extra)),
	}
	for name, fn := range safeBuiltins(g) {
		g.builtins[name] = fn
	}
	for name := range blocked {
		name := name
		g.builtins[name] = func(...any) (any, error) { return nil, builtinBlocked(name) }
	}
	for k, v := range extra {
		g.vars[k] = v
	}
	return g
}

func safeBuiltins(g *Globals) map[string]BuiltinFunc {
	return map[string]BuiltinFunc{
		"len": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("len() takes exactly one argument (%d given)", len(args))
			}
			v := reflect.ValueOf(args[0])
			switch v.Kind() {
			case reflect.Array, reflect.Chan, reflect.Map, reflect.Slice, reflect.String:
				return v.Len(), nil
			}
			return nil, fmt.Errorf("object of type %T has no len()", args[0])
		},
		"print": func(args ...any) (any, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = fmt.Sprint(a)
			}
			g.out.WriteString(strings.Join(parts, " "))
			g.out.WriteByte('\n')
			return nil, nil
		},
		"str": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("str() takes exactly one argument (%d given)", len(args))
			}
			return fmt.Sprint(args[0]), nil
		},
		"abs": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("abs() takes exactly one argument (%d given)", len(args))
			}
			switch n := args[0].(type) {
			case int:
				if n < 0 {
					return -n, nil
				}
				return n, nil
			case float64:
				if n < 0 {
					return -n, nil
				}
				return n, nil
			}
			return nil, fmt.Errorf("bad operand type for abs(): %T", args[0])
		},
		"min": func(args ...any) (any, error) { return extreme("min", args, func(a, b float64) bool { return a < b }) },
		"max": func(args ...any) (any, error) { return extreme("max", args, func(a, b float64) bool { return a > b }) },
		"sum": func(args ...any) (any, error) {
			var total float64
			allInt := true
			for _, a := range flatten(args) {
				f, isInt, ok := number(a)
				if !ok {
					return nil, fmt.Errorf("unsupported operand type for sum(): %T", a)
				}
				allInt = allInt && isInt
				total += f
			}
			if allInt {
				return int(total), nil
			}
			return total, nil
		},
	}
}

func extreme(name string, args []any, better func(a, b float64) bool) (any, error) {
	items := flatten(args)
	if len(items) == 0 {
		return nil, fmt.Errorf("%s() arg is an empty sequence", name)
	}
	best := items[0]
	bestF, _, ok := number(best)
	if !ok {
		return nil, fmt.Errorf("%s() unsupported type %T", name, best)
	}
	for _, it := range items[1:] {
		f, _, ok := number(it)
		if !ok {
			return nil, fmt.Errorf("%s() unsupported type %T", name, it)
		}
		if better(f, bestF) {
			best, bestF = it, f
		}
	}
	return best, nil
}

// flatten accepts either varargs or a single slice argument.
func flatten(args []any) []any {
	if len(args) != 1 {
		return args
	}
	v := reflect.ValueOf(args[0])
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return args
	}
	out := make([]any, v.Len())
	for i := range out {
		out[i] = v.Index(i).Interface()
	}
	return out
}

func number(v any) (f float64, isInt bool, ok bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true, true
	case int64:
		return float64(n), true, true
	case float64:
		return n, false, true
	}
	return 0, false, false
}
