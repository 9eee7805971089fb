package dap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// AccessType is the access kind of a data/watch breakpoint.
type AccessType string

const (
	AccessWrite     AccessType = "write"
	AccessRead      AccessType = "read"
	AccessReadWrite AccessType = "read_write"
)

// ExceptionFilterID names one of the three exception-break filters
// advertised on initialize.
type ExceptionFilterID string

const (
	FilterRaised        ExceptionFilterID = "raised"
	FilterUncaught      ExceptionFilterID = "uncaught"
	FilterUserUnhandled ExceptionFilterID = "user_unhandled"
)

// HitResult is the outcome of evaluating a breakpoint's condition and
// hit-count grammar against a live frame.
type HitResult int

const (
	Skip HitResult = iota
	Hit
	HitError
)

// LineBreakpoint is the "Line"/"Log point" breakpoint variant — a
// log point is a LineBreakpoint with LogMessage set.
type LineBreakpoint struct {
	ID           int
	Source       string
	Line         int
	Condition    string
	HitCondition string
	LogMessage   string

	Verified     bool
	ResolvedLine int

	hitCount int64
	identity digest.Digest
}

func (b *LineBreakpoint) IsLogpoint() bool { return b.LogMessage != "" }

func lineIdentity(source string, line int, condition string) digest.Digest {
	return digest.FromString(fmt.Sprintf("%s:%d:%s", source, line, condition))
}

// FunctionBreakpoint is the "Function" breakpoint variant.
type FunctionBreakpoint struct {
	ID            int
	QualifiedName string
	Condition     string
	HitCondition  string

	hitCount int64
}

// DataBreakpoint is the "Data/Watch" breakpoint variant. DataID
// encodes either frame:<n>:var:<name> or frame:<n>:expr:<text>.
type DataBreakpoint struct {
	ID           int
	DataID       string
	AccessType   AccessType
	Condition    string
	HitCondition string

	IsExpr   bool
	Target   string // variable name, or expression text
	FrameIdx int

	hitCount int64
	snapshot string
	hasValue bool
}

var dataIDPattern = regexp.MustCompile(`^frame:(\d+):(var|expr):(.*)$`)

// ParseDataID decodes the data_id grammar.
func ParseDataID(id string) (frame int, isExpr bool, target string, err error) {
	m := dataIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, false, "", errors.Errorf("malformed data_id: %q", id)
	}
	frame, _ = strconv.Atoi(m[1])
	return frame, m[2] == "expr", m[3], nil
}

// strictDenylist is the token blocklist enforced by the strict
// expression-watch policy.
var strictDenylist = []string{"open(", "exec(", "eval(", "import(", "os.", "__", "subprocess", "system("}

// checkStrictPolicy returns the first denied token found in expr, or
// "" if expr is clean.
func checkStrictPolicy(expr string) string {
	for _, tok := range strictDenylist {
		if strings.Contains(expr, tok) {
			return tok
		}
	}
	return ""
}

// BreakpointStore owns every registered breakpoint, filter, and
// watchpoint for a session.
type BreakpointStore struct {
	mu sync.Mutex

	byLineSource map[string][]*LineBreakpoint
	functions    []*FunctionBreakpoint
	filters      map[ExceptionFilterID]bool
	data         []*DataBreakpoint

	nextID atomic.Int64

	readDowngradeWarned sync.Once
	onReadDowngrade     func(message string)
}

func NewBreakpointStore() *BreakpointStore {
	return &BreakpointStore{
		byLineSource: make(map[string][]*LineBreakpoint),
		filters:      make(map[ExceptionFilterID]bool),
	}
}

// OnReadDowngrade installs the callback used to emit the one-time
// "output" warning when a read/read_write watchpoint is silently
// downgraded to write.
func (s *BreakpointStore) OnReadDowngrade(fn func(message string)) {
	s.onReadDowngrade = fn
}

// ReplaceLine implements the per-source replace semantics of spec
// §4.4/§8 invariant 2: the result is exactly the requested set, with
// hit counts preserved only when (source, line, condition) survives
// unchanged from the prior set.
func (s *BreakpointStore) ReplaceLine(source string, specs []dap.SourceBreakpoint) []*LineBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.byLineSource[source]
	next := make([]*LineBreakpoint, 0, len(specs))
	for _, spec := range specs {
		id := lineIdentity(source, spec.Line, spec.Condition)
		bp := &LineBreakpoint{
			ID:           int(s.nextID.Add(1)),
			Source:       source,
			Line:         spec.Line,
			Condition:    spec.Condition,
			HitCondition: spec.HitCondition,
			LogMessage:   spec.LogMessage,
			identity:     id,
		}
		for _, old := range prev {
			if old.identity == id {
				bp.hitCount = old.hitCount
				bp.Verified = old.Verified
				bp.ResolvedLine = old.ResolvedLine
				break
			}
		}
		next = append(next, bp)
	}
	s.byLineSource[source] = next
	return next
}

// ReplaceFunction implements the function-breakpoint replace of spec
// §4.4 — there is only one scope (no per-source partition).
func (s *BreakpointStore) ReplaceFunction(specs []dap.FunctionBreakpoint) []*FunctionBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.functions
	next := make([]*FunctionBreakpoint, 0, len(specs))
	for _, spec := range specs {
		bp := &FunctionBreakpoint{
			ID:            int(s.nextID.Add(1)),
			QualifiedName: spec.Name,
			Condition:     spec.Condition,
			HitCondition:  spec.HitCondition,
		}
		for _, old := range prev {
			if old.QualifiedName == bp.QualifiedName && old.Condition == bp.Condition {
				bp.hitCount = old.hitCount
				break
			}
		}
		next = append(next, bp)
	}
	s.functions = next
	return next
}

// ReplaceExceptionFilters implements the exception-filter category
// replace.
func (s *BreakpointStore) ReplaceExceptionFilters(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.filters = make(map[ExceptionFilterID]bool, len(ids))
	for _, id := range ids {
		s.filters[ExceptionFilterID(id)] = true
	}
}

// ReplaceData implements the data/watch breakpoint replace, including
// the strict-expression-watch policy check and the read-access
// capability downgrade.
func (s *BreakpointStore) ReplaceData(specs []dap.DataBreakpoint, strict, readAccessSupported bool) (resolved []*DataBreakpoint, results []dap.Breakpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data
	next := make([]*DataBreakpoint, 0, len(specs))
	out := make([]dap.Breakpoint, 0, len(specs))

	for _, spec := range specs {
		frame, isExpr, target, err := ParseDataID(spec.DataId)
		if err != nil {
			out = append(out, dap.Breakpoint{Verified: false, Message: err.Error()})
			continue
		}

		if isExpr && strict {
			if tok := checkStrictPolicy(target); tok != "" {
				out = append(out, dap.Breakpoint{
					Verified: false,
					Message:  fmt.Sprintf("policy_denied: %s", tok),
				})
				continue
			}
		}

		access := AccessType(spec.AccessType)
		if (access == AccessRead || access == AccessReadWrite) && !readAccessSupported {
			access = AccessWrite
			s.readDowngradeWarned.Do(func() {
				if s.onReadDowngrade != nil {
					s.onReadDowngrade("read-access watchpoints are not supported by this engine; downgraded to write")
				}
			})
		}

		bp := &DataBreakpoint{
			ID:           int(s.nextID.Add(1)),
			DataID:       spec.DataId,
			AccessType:   access,
			Condition:    spec.Condition,
			HitCondition: spec.HitCondition,
			IsExpr:       isExpr,
			Target:       target,
			FrameIdx:     frame,
		}
		for _, old := range prev {
			if old.DataID == bp.DataID {
				bp.hitCount = old.hitCount
				bp.snapshot = old.snapshot
				bp.hasValue = old.hasValue
				break
			}
		}
		next = append(next, bp)
		out = append(out, dap.Breakpoint{Id: bp.ID, Verified: true})
	}
	s.data = next
	return next, out
}

// LookupLine returns every line breakpoint registered at (source,
// line), used by the Stop/Step Coordinator to test a line event for a
// hit.
func (s *BreakpointStore) LookupLine(source string, line int) []*LineBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*LineBreakpoint
	for _, bp := range s.byLineSource[source] {
		if bp.Line == line || (bp.Verified && bp.ResolvedLine == line) {
			out = append(out, bp)
		}
	}
	return out
}

// LookupFunction returns every function breakpoint matching name.
func (s *BreakpointStore) LookupFunction(name string) []*FunctionBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*FunctionBreakpoint
	for _, bp := range s.functions {
		if bp.QualifiedName == name {
			out = append(out, bp)
		}
	}
	return out
}

// DataBreakpoints returns the currently registered watch breakpoints.
func (s *BreakpointStore) DataBreakpoints() []*DataBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DataBreakpoint, len(s.data))
	copy(out, s.data)
	return out
}

// MatchesException reports whether filter is currently active.
func (s *BreakpointStore) MatchesException(filter ExceptionFilterID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters[filter]
}

// MarkVerified records that the engine confirmed a concrete bytecode
// location for a previously-unverified line breakpoint.
// It returns true if this call changed verification state, so the
// caller knows whether to emit a "breakpoint"/"changed" event.
func (s *BreakpointStore) MarkVerified(source string, requestedLine, resolvedLine int) (bp *LineBreakpoint, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.byLineSource[source] {
		if b.Line == requestedLine {
			changed = !b.Verified || b.ResolvedLine != resolvedLine
			b.Verified = true
			b.ResolvedLine = resolvedLine
			return b, changed
		}
	}
	return nil, false
}

// LineSpecsForSource returns every line breakpoint registered against
// source, in the shape Engine.SetLineBreakpoints expects, used by the
// Hot Reload Service to re-apply breakpoints after a reload (spec
// §4.10 step 4).
func (s *BreakpointStore) LineSpecsForSource(source string) []LineBreakpointSpec {
	s.mu.Lock()
	defer s.mu.Unlock()

	bps := s.byLineSource[source]
	specs := make([]LineBreakpointSpec, len(bps))
	for i, bp := range bps {
		specs[i] = LineBreakpointSpec{Line: bp.Line, Condition: bp.Condition, HitCondition: bp.HitCondition, LogMessage: bp.LogMessage}
	}
	return specs
}

// Summary renders a one-line-per-breakpoint listing for the ":bp" REPL
// meta-command (execution.go).
func (s *BreakpointStore) Summary() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for source, bps := range s.byLineSource {
		for _, bp := range bps {
			state := "unverified"
			if bp.Verified {
				state = "verified"
			}
			out = append(out, fmt.Sprintf("%d: %s:%d [%s] hits=%d", bp.ID, source, bp.Line, state, bp.hitCount))
		}
	}
	for _, bp := range s.functions {
		out = append(out, fmt.Sprintf("%d: func %s hits=%d", bp.ID, bp.QualifiedName, bp.hitCount))
	}
	for _, bp := range s.data {
		out = append(out, fmt.Sprintf("%d: watch %s (%s) hits=%d", bp.ID, bp.DataID, bp.AccessType, bp.hitCount))
	}
	return out
}

// EvaluateCondition applies a breakpoint's condition and hit-count
// grammar. evalBool evaluates the condition's expression text through
// the bound Engine and is called only when a condition is set (an
// empty condition/hit_condition always matches).
func EvaluateCondition(condition, hitCondition string, hitCount *int64, evalBool func(expr string) (bool, error)) HitResult {
	if condition != "" {
		ok, err := evalBool(condition)
		if err != nil {
			return HitError
		}
		if !ok {
			return Skip
		}
	}

	n := atomic.AddInt64(hitCount, 1)
	if hitCondition == "" {
		return Hit
	}

	matched, err := matchHitCondition(hitCondition, n)
	if err != nil {
		return HitError
	}
	if matched {
		return Hit
	}
	return Skip
}

// matchHitCondition implements the hit-condition grammar: an integer
// literal, "% N", or a comparison operator.
func matchHitCondition(expr string, n int64) (bool, error) {
	expr = strings.TrimSpace(expr)

	if rest, ok := strings.CutPrefix(expr, "%"); ok {
		mod, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil || mod <= 0 {
			return false, errors.Errorf("bad modulo hit condition: %q", expr)
		}
		return n%mod == 0, nil
	}

	for _, op := range []string{">=", "<=", "==", ">", "<"} {
		if rest, ok := strings.CutPrefix(expr, op); ok {
			target, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return false, errors.Errorf("bad comparison hit condition: %q", expr)
			}
			switch op {
			case ">=":
				return n >= target, nil
			case "<=":
				return n <= target, nil
			case "==":
				return n == target, nil
			case ">":
				return n > target, nil
			case "<":
				return n < target, nil
			}
		}
	}

	target, err := strconv.ParseInt(expr, 10, 64)
	if err != nil {
		return false, errors.Errorf("bad hit condition: %q", expr)
	}
	return n == target, nil
}

// FormatLogMessage substitutes {expression} placeholders in a log
// point's message using eval. Failed substitutions
// leave the literal placeholder text with an inline error marker
// instead of failing the whole message.
func FormatLogMessage(template string, eval func(expr string) (string, error)) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		b.WriteString(template[i:open])

		close := strings.IndexByte(template[open:], '}')
		if close < 0 {
			b.WriteString(template[open:])
			break
		}
		close += open

		expr := template[open+1 : close]
		v, err := eval(expr)
		if err != nil {
			fmt.Fprintf(&b, "{%s <error: %s>}", expr, err)
		} else {
			b.WriteString(v)
		}
		i = close + 1
	}
	return b.String()
}
