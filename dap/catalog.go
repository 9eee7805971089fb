package dap

import (
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"

	"github.com/dapper-dbg/dapper/util/syncutil"
)

// PresentationKind/Visibility mirror the structured variable
// presentation hints of the variable presentation-hint model.
type PresentationKind string

const (
	KindProperty PresentationKind = "property"
	KindMethod   PresentationKind = "method"
	KindClass    PresentationKind = "class"
	KindData     PresentationKind = "data"
	KindEvent    PresentationKind = "event"
	KindBaseClass PresentationKind = "baseClass"
	KindInnerClass PresentationKind = "innerClass"
	KindInterface PresentationKind = "interface"
	KindMostDerivedClass PresentationKind = "mostDerivedClass"
	KindVirtual  PresentationKind = "virtual"
	KindDataBreakpoint PresentationKind = "dataBreakpoint"
)

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityPrivate   Visibility = "private"
	VisibilityProtected Visibility = "protected"
	VisibilityInternal  Visibility = "internal"
	VisibilityFinal     Visibility = "final"
)

// Attribute is one of the PresentationHint.Attributes flags (e.g.
// "readOnly", "hasSideEffects").
type Attribute string

const (
	AttrReadOnly       Attribute = "readOnly"
	AttrHasSideEffects Attribute = "hasSideEffects"
	AttrHasDataBreakpoint Attribute = "hasDataBreakpoint"
	AttrConstant       Attribute = "constant"
	AttrRawString      Attribute = "rawString"
)

// VariableCatalog is the monotonic handle allocator for scopes and
// variables: every scopes/variables reference handed to the client is a
// lazily evaluated, memoized slice of dap.Variable, grounded on
// docker-buildx's variableReferences type (dap/variables.go, deleted). Handles
// are scoped to one paused-stop cycle: Reset clears every handle so
// frame references from a previous stop can never be resolved once the
// debuggee has resumed — stale handles never silently return data from
// a previous stop.
// handleEntry pairs the producer function with the memoization cell
// (syncutil.OnceValue) that guarantees it runs at most once per handle:
// whatever the first call returns, an empty result from a failed engine
// call included, is what every later read of that handle gets.
type handleEntry struct {
	once *syncutil.OnceValue[[]dap.Variable]
	fn   func() []dap.Variable
}

type VariableCatalog struct {
	mu     sync.RWMutex
	refs   map[int]*handleEntry
	nextID atomic.Int64
}

func NewVariableCatalog() *VariableCatalog {
	c := &VariableCatalog{refs: make(map[int]*handleEntry)}
	return c
}

// New allocates a variables reference whose expansion is computed at
// most once, the first time a client asks for it.
func (c *VariableCatalog) New(fn func() []dap.Variable) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := int(c.nextID.Add(1))
	c.refs[id] = &handleEntry{once: &syncutil.OnceValue[[]dap.Variable]{}, fn: fn}
	return id
}

// Get resolves a previously allocated reference. An unknown or
// already-reset id resolves to an empty slice rather than an error:
// DAP clients routinely re-request stale handles during rapid
// stepping, and that is treated as an empty result, not a
// protocol fault.
func (c *VariableCatalog) Get(id int) []dap.Variable {
	c.mu.RLock()
	entry := c.refs[id]
	c.mu.RUnlock()

	if entry == nil {
		return []dap.Variable{}
	}
	vars, _ := entry.once.Do(func() ([]dap.Variable, error) { return entry.fn(), nil })
	if vars == nil {
		vars = []dap.Variable{}
	}
	return vars
}

// Reset discards every allocated handle, called whenever the
// debuggee leaves the Stopped state.
func (c *VariableCatalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = make(map[int]*handleEntry)
}

// Value presents one catalog entry prior to allocation; ToVariable
// allocates its nested reference (if any) and renders a dap.Variable.
type Value struct {
	Name       string
	Value      string
	Type       string
	Kind       PresentationKind
	Visibility Visibility
	Attributes []Attribute
	Children   func() []Value // nil for a leaf value
	EvalName   string         // expression that re-produces this value, for SetExpression/watch round-tripping

	// NamedVariables is the declared-field-count badge required
	// for structured values; 0 means "don't report a count".
	NamedVariables int
}

func (c *VariableCatalog) ToVariable(v Value) dap.Variable {
	out := dap.Variable{
		Name:               v.Name,
		Value:              v.Value,
		Type:               v.Type,
		EvaluateName:       v.EvalName,
		VariablesReference: 0,
		NamedVariables:     v.NamedVariables,
	}
	if v.Children != nil {
		out.VariablesReference = c.New(func() []dap.Variable {
			children := v.Children()
			vars := make([]dap.Variable, 0, len(children))
			for _, ch := range children {
				vars = append(vars, c.ToVariable(ch))
			}
			return vars
		})
	}
	if v.Kind != "" || v.Visibility != "" || len(v.Attributes) > 0 {
		attrs := make([]string, len(v.Attributes))
		for i, a := range v.Attributes {
			attrs[i] = string(a)
		}
		out.PresentationHint = &dap.VariablePresentationHint{
			Kind:       string(v.Kind),
			Attributes: attrs,
			Visibility: string(v.Visibility),
		}
	}
	return out
}

// ToVariables renders a flat slice, used for scope bodies that have
// no further lazy nesting decision to make at this level.
func (c *VariableCatalog) ToVariables(values []Value) []dap.Variable {
	vars := make([]dap.Variable, 0, len(values))
	for _, v := range values {
		vars = append(vars, c.ToVariable(v))
	}
	return vars
}
