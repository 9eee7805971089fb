package dap

import (
	"sync/atomic"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakpointStoreReplaceLinePreservesHitCountByIdentity(t *testing.T) {
	s := NewBreakpointStore()

	bps := s.ReplaceLine("mod.lang", []dap.SourceBreakpoint{{Line: 10, Condition: "x > 1"}})
	require.Len(t, bps, 1)
	bps[0].hitCount = 3

	// Same (source, line, condition): hit count survives.
	bps2 := s.ReplaceLine("mod.lang", []dap.SourceBreakpoint{{Line: 10, Condition: "x > 1"}})
	require.Len(t, bps2, 1)
	assert.EqualValues(t, 3, bps2[0].hitCount)

	// Condition changed: identity changes, hit count resets.
	bps3 := s.ReplaceLine("mod.lang", []dap.SourceBreakpoint{{Line: 10, Condition: "x > 2"}})
	require.Len(t, bps3, 1)
	assert.EqualValues(t, 0, bps3[0].hitCount)
}

func TestBreakpointStoreReplaceLineIsFullReplace(t *testing.T) {
	s := NewBreakpointStore()
	s.ReplaceLine("mod.lang", []dap.SourceBreakpoint{{Line: 1}, {Line: 2}})
	bps := s.ReplaceLine("mod.lang", []dap.SourceBreakpoint{{Line: 2}})
	assert.Len(t, bps, 1)
	assert.Empty(t, s.LookupLine("mod.lang", 1))
}

func TestBreakpointStoreLookupLineMatchesResolved(t *testing.T) {
	s := NewBreakpointStore()
	s.ReplaceLine("mod.lang", []dap.SourceBreakpoint{{Line: 10}})
	bp, changed := s.MarkVerified("mod.lang", 10, 12)
	require.NotNil(t, bp)
	assert.True(t, changed)

	found := s.LookupLine("mod.lang", 12)
	require.Len(t, found, 1)

	// A second MarkVerified with the same resolved line is not a change.
	_, changed = s.MarkVerified("mod.lang", 10, 12)
	assert.False(t, changed)
}

func TestBreakpointStoreExceptionFilters(t *testing.T) {
	s := NewBreakpointStore()
	assert.False(t, s.MatchesException(FilterRaised))

	s.ReplaceExceptionFilters([]string{"raised", "uncaught"})
	assert.True(t, s.MatchesException(FilterRaised))
	assert.True(t, s.MatchesException(FilterUncaught))
	assert.False(t, s.MatchesException(FilterUserUnhandled))
}

func TestBreakpointStoreDataBreakpointReadDowngrade(t *testing.T) {
	s := NewBreakpointStore()

	var warned int32
	s.OnReadDowngrade(func(string) { atomic.AddInt32(&warned, 1) })

	_, results := s.ReplaceData([]dap.DataBreakpoint{
		{DataId: "frame:0:var:x", AccessType: "read"},
	}, false, false)
	require.Len(t, results, 1)
	assert.True(t, results[0].Verified)

	bps := s.DataBreakpoints()
	require.Len(t, bps, 1)
	assert.Equal(t, AccessWrite, bps[0].AccessType)
	assert.EqualValues(t, 1, atomic.LoadInt32(&warned))

	// A second downgrade must not re-warn (sync.Once).
	s.ReplaceData([]dap.DataBreakpoint{{DataId: "frame:0:var:y", AccessType: "read"}}, false, false)
	assert.EqualValues(t, 1, atomic.LoadInt32(&warned))
}

func TestBreakpointStoreStrictPolicyDeniesExpressionWatch(t *testing.T) {
	s := NewBreakpointStore()

	_, results := s.ReplaceData([]dap.DataBreakpoint{
		{DataId: "frame:0:expr:os.system(\"rm -rf /\")", AccessType: "write"},
	}, true, true)
	require.Len(t, results, 1)
	assert.False(t, results[0].Verified)
}

func TestParseDataID(t *testing.T) {
	frame, isExpr, target, err := ParseDataID("frame:2:var:counter")
	require.NoError(t, err)
	assert.Equal(t, 2, frame)
	assert.False(t, isExpr)
	assert.Equal(t, "counter", target)

	_, _, _, err = ParseDataID("not-a-data-id")
	assert.Error(t, err)
}

func TestMatchHitCondition(t *testing.T) {
	cases := []struct {
		expr string
		n    int64
		want bool
	}{
		{"3", 3, true},
		{"3", 2, false},
		{"% 2", 4, true},
		{"% 2", 3, false},
		{">= 3", 3, true},
		{">= 3", 2, false},
		{"< 5", 4, true},
	}
	for _, c := range cases {
		got, err := matchHitCondition(c.expr, c.n)
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}

	_, err := matchHitCondition("not-a-number", 1)
	assert.Error(t, err)
}

func TestEvaluateConditionHitCountGrammar(t *testing.T) {
	var hits int64
	alwaysTrue := func(string) (bool, error) { return true, nil }

	// hit_condition "2": first evaluation skips, second hits, third skips.
	assert.Equal(t, Skip, EvaluateCondition("", "2", &hits, alwaysTrue))
	assert.Equal(t, Hit, EvaluateCondition("", "2", &hits, alwaysTrue))
	assert.Equal(t, Skip, EvaluateCondition("", "2", &hits, alwaysTrue))
}

func TestEvaluateConditionFalseSkipsWithoutCountingHit(t *testing.T) {
	var hits int64
	alwaysFalse := func(string) (bool, error) { return false, nil }
	assert.Equal(t, Skip, EvaluateCondition("x>1", "", &hits, alwaysFalse))
	assert.EqualValues(t, 0, hits)
}

func TestFormatLogMessageSubstitutesExpressions(t *testing.T) {
	eval := func(expr string) (string, error) {
		if expr == "x" {
			return "42", nil
		}
		return "", assert.AnError
	}
	got := FormatLogMessage("value is {x}!", eval)
	assert.Equal(t, "value is 42!", got)

	got = FormatLogMessage("bad {y}", eval)
	assert.Contains(t, got, "<error:")
}
