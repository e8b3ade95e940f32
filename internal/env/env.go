package env

import (
	"os"
	"sort"
	"strings"
)

// Var maps environment keys to values.
type Var map[string]string

// Env composes the environment handed to the server process: the host's own
// environment, configured extras and the per-launch variables, in that order
// of precedence (later wins).
type Env struct {
	base  Var
	extra Var
}

// New returns an Env whose base is the current process environment.
func New() *Env {
	return &Env{base: FromPairs(os.Environ()), extra: make(Var)}
}

// Empty returns an Env with no base, used when the child must not inherit
// the host environment.
func Empty() *Env {
	return &Env{base: make(Var), extra: make(Var)}
}

// FromPairs parses "K=V" pairs, skipping malformed entries and empty keys.
func FromPairs(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// WithSet returns a copy of e with k=v added to the configured extras.
func (e *Env) WithSet(k, v string) *Env {
	if !validKey(k) {
		return e
	}
	n := e.clone()
	n.extra[k] = v
	return n
}

// WithVars returns a copy of e with every entry of vars added to the extras.
func (e *Env) WithVars(vars map[string]string) *Env {
	n := e.clone()
	for k, v := range vars {
		if validKey(k) {
			n.extra[k] = v
		}
	}
	return n
}

// Lookup returns the composed value for k without per-launch overrides.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.extra[k]; ok {
		return expand(v, e.base), true
	}
	v, ok := e.base[k]
	return v, ok
}

// Merge composes the final environment. Configured extras and launch vars may
// reference other variables as ${VAR}; references resolve against the base
// and extras, never recursively. The result is sorted by key.
func (e *Env) Merge(launch Var) []string {
	m := make(Var, len(e.base)+len(e.extra)+len(launch))
	for k, v := range e.base {
		m[k] = v
	}
	scope := make(Var, len(m)+len(e.extra))
	for k, v := range e.base {
		scope[k] = v
	}
	for k, v := range e.extra {
		scope[k] = v
	}
	for k, v := range e.extra {
		m[k] = expand(v, e.base)
	}
	for k, v := range launch {
		if !validKey(k) {
			continue
		}
		m[k] = expand(v, scope)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func validKey(k string) bool {
	return k != "" && !strings.ContainsAny(k, "=\x00")
}

func (e *Env) clone() *Env {
	n := &Env{base: e.base, extra: make(Var, len(e.extra)+1)}
	for k, v := range e.extra {
		n.extra[k] = v
	}
	return n
}

// expand replaces ${NAME} references found in scope; unknown references are
// left untouched.
func expand(s string, scope Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := scope[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
