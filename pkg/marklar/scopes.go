package marklar

import (
	"sort"

	"github.com/drivehappy/marklar-go/internal/irgen"
)

// ----------------------------------------------------------------------------
// Scopes

// Variable is what a name resolves to inside a function: its declared type (needed for
// the width-cast rule) and the stack slot irgen allocated for it.
type Variable struct {
	TypeName string
	Slot     irgen.Value
}

// scope holds one nesting level's bindings. Each level is a fresh struct rather than a
// shared mutable stack slice; Marklar has no separate static/field/parameter scope
// kinds, so one flat binding map per level is enough. 'own' tracks only the names
// declared directly at this level (for the duplicate check); 'vars' is 'own' plus
// everything copied down from every enclosing level (for O(1) lookup without walking a
// chain).
type scope struct {
	own  map[string]Variable
	vars map[string]Variable
}

// ScopeTable is a stack of scopes, one per currently open function/if/while body.
// Each push copies the parent's visible bindings into the new level: shadowing an
// outer name is always legal (the copy just gets overwritten), while redeclaring a
// name already owned by the *same* level is a DuplicateDefinitionError.
type ScopeTable struct {
	levels []scope
}

// NewScopeTable returns an empty table. Push must be called before Declare or Lookup.
func NewScopeTable() *ScopeTable {
	return &ScopeTable{}
}

// Push opens a new nested scope, inheriting a copy of every binding visible in the
// current top scope (or starting empty if the table is itself empty, i.e. a function's
// top-level body).
func (t *ScopeTable) Push() {
	next := scope{
		own:  make(map[string]Variable),
		vars: make(map[string]Variable),
	}
	if n := len(t.levels); n > 0 {
		for name, v := range t.levels[n-1].vars {
			next.vars[name] = v
		}
	}
	t.levels = append(t.levels, next)
}

// Pop closes the innermost scope. Calling Pop on an empty table is a programmer error
// and panics; push/pop calls are always balanced by the caller.
func (t *ScopeTable) Pop() {
	if len(t.levels) == 0 {
		panic("marklar: Pop called on empty ScopeTable")
	}
	t.levels = t.levels[:len(t.levels)-1]
}

// Declare binds name in the innermost scope. Redeclaring a name already owned by this
// exact scope is an error; redeclaring a name only inherited from an outer scope is
// shadowing and always allowed.
func (t *ScopeTable) Declare(name string, v Variable) error {
	cur := &t.levels[len(t.levels)-1]
	if _, exists := cur.own[name]; exists {
		return &DuplicateDefinitionError{Name: name}
	}
	cur.own[name] = v
	cur.vars[name] = v
	return nil
}

// Lookup resolves name against the innermost scope's merged view, which already
// contains every binding visible from any enclosing level.
func (t *ScopeTable) Lookup(name string) (Variable, bool) {
	if len(t.levels) == 0 {
		return Variable{}, false
	}
	v, ok := t.levels[len(t.levels)-1].vars[name]
	return v, ok
}

// Depth reports how many scopes are currently open, mainly useful from tests asserting
// push/pop balance.
func (t *ScopeTable) Depth() int { return len(t.levels) }

// VisibleNames lists, sorted, every name resolvable from the innermost scope. This is
// the symbol-table dump that accompanies an unresolved-symbol diagnostic.
func (t *ScopeTable) VisibleNames() []string {
	if len(t.levels) == 0 {
		return nil
	}
	vars := t.levels[len(t.levels)-1].vars
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
