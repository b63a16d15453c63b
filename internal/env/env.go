// Package env composes the environment handed to the workload and its hooks.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables over an optional OS base. Precedence, lowest first:
// OS environment (when enabled), env files in load order, Var, then the
// per-call list given to Merge.
type Env struct {
	Var Var // global variables (K->V)

	useOS bool
	files Var // values loaded from env files
	env   Var // cached base from OS environment
}

// New returns an Env that inherits the OS environment.
func New() *Env {
	return &Env{Var: make(Var), files: make(Var), useOS: true}
}

// UseOS toggles inheriting the supervisor's environment.
func (e *Env) UseOS(on bool) *Env {
	e.useOS = on
	if !on {
		e.env = Var{}
	} else {
		e.env = nil
	}
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet is Set for chaining.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// SetList applies "K=V" entries as global variables.
func (e *Env) SetList(kvs []string) error {
	for _, kv := range kvs {
		k, v, ok := split(kv)
		if !ok {
			return fmt.Errorf("invalid env entry %q, want KEY=VALUE", kv)
		}
		e.Set(k, v)
	}
	return nil
}

// LoadFile reads a .env file: KEY=VALUE lines, '#' comments, optional
// "export " prefix and surrounding quotes.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	if e.files == nil {
		e.files = make(Var)
	}
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := split(line)
		if !ok {
			return fmt.Errorf("%s:%d: invalid line %q", path, n+1, line)
		}
		e.files[strings.TrimSpace(k)] = unquote(strings.TrimSpace(v))
	}
	return nil
}

// Merge composes the final environment list in precedence order and
// performs ${VAR} expansion against the composed map (no recursion).
// The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		if e.useOS {
			e.FromOS()
		} else {
			e.env = Var{}
		}
	}
	m := make(Var, len(e.env)+len(e.files)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.files {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func split(kv string) (k, v string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		k := s[i+2 : i+2+j]
		if v, ok := m[k]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
