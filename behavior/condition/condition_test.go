package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evalFixture struct {
	expr string
	vars map[string]any
	out  bool
}

func TestEvaluateComparisons(t *testing.T) {
	assert := assert.New(t)
	e := NewEvaluator(nil)

	vars := map[string]any{
		"count":   3,
		"ratio":   float32(0.5),
		"name":    "bob",
		"flag":    true,
		"nothing": nil,
		"analysis": map[string]any{
			"isSpammer": true,
			"score":     int64(-2),
		},
		"labels": map[string]string{"tier": "gold"},
	}

	fixtures := []evalFixture{
		{expr: "count === 3", out: true},
		{expr: "count !== 3", out: false},
		{expr: "count > 2", out: true},
		{expr: "count >= 3", out: true},
		{expr: "count < 3", out: false},
		{expr: "count <= 3.0", out: true},
		{expr: "ratio < 1", out: true},
		{expr: "analysis.score > -3", out: true},
		{expr: "analysis.score === -2", out: true},
		{expr: "name == 'bob'", out: true},
		{expr: `name === "bob"`, out: true},
		{expr: "name > 'alice'", out: true},
		{expr: "labels.tier == 'gold'", out: true},

		// loose and strict equality
		{expr: "count == '3'", out: true},
		{expr: "count === '3'", out: false},
		{expr: "flag == 1", out: true},
		{expr: "flag === 1", out: false},
		{expr: "nothing == undefined", out: true},
		{expr: "nothing === undefined", out: false},
		{expr: "missing == null", out: true},
		{expr: "missing === undefined", out: true},
		{expr: "missing != null", out: false},

		// ordering never holds for undefined, null, or booleans
		{expr: "missing > 0", out: false},
		{expr: "missing < 0", out: false},
		{expr: "missing >= 0", out: false},
		{expr: "nothing <= 0", out: false},
		{expr: "flag > 0", out: false},
		{expr: "name > 1", out: false},

		// bare operands
		{expr: "analysis.isSpammer", out: true},
		{expr: "analysis.missing", out: false},
		{expr: "flag && count", out: true},
		{expr: "''", out: false},
	}

	for _, f := range fixtures {
		assert.Equal(f.out, e.Evaluate(f.expr, vars), f.expr)
	}
}

func TestEvaluateBoolean(t *testing.T) {
	assert := assert.New(t)
	e := NewEvaluator(nil)

	assert.True(e.Evaluate("a > 1 && b > 2", map[string]any{"a": 2, "b": 3}))
	assert.False(e.Evaluate("a > 1 && b > 2", map[string]any{"a": 0, "b": 3}))
	assert.True(e.Evaluate("a > 1 || b > 2", map[string]any{"a": 0, "b": 3}))

	// && binds tighter than ||
	vars := map[string]any{"a": true, "b": false, "c": false}
	assert.True(e.Evaluate("a || b && c", vars))
	assert.False(e.Evaluate("(a || b) && c", vars))
	assert.True(e.Evaluate("((a))", vars))
}

func TestEvaluateMalformed(t *testing.T) {
	assert := assert.New(t)
	e := NewEvaluator(nil)
	vars := map[string]any{"a": 2}

	for _, expr := range []string{
		"",
		"   ",
		"a >",
		"a > 1 &&",
		"&& a",
		"(a > 1",
		"a > 1)",
		"a = 1",
		"a > 1 b",
		"'unterminated",
		"a..b > 1",
		"3abc > 1",
		"1.2.3 > 1",
		"a ! b",
		"a - 1 > 0",
	} {
		assert.False(e.Evaluate(expr, vars), expr)
		_, err := e.Compile(expr)
		assert.Error(err, expr)
	}
}

func TestTokenize(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	toks, err := tokenize(`user.name === 'it\'s' || x!==-1.5`)
	require.NoError(err)
	require.Len(toks, 7)
	assert.Equal(tokPath, toks[0].kind)
	assert.Equal("user.name", toks[0].text)
	assert.Equal(tokOp, toks[1].kind)
	assert.Equal("===", toks[1].text)
	assert.Equal(tokString, toks[2].kind)
	assert.Equal("it's", toks[2].str)
	assert.Equal("||", toks[3].text)
	assert.Equal("!==", toks[5].text)
	assert.Equal(tokNumber, toks[6].kind)
	assert.Equal(-1.5, toks[6].num)

	// operators inside quotes are part of the string
	toks, err = tokenize(`msg == "a && b"`)
	require.NoError(err)
	require.Len(toks, 3)
	assert.Equal("a && b", toks[2].str)
}

func TestCompileCache(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := NewEvaluator(nil)

	p1, err := e.Compile("messageCount >= 3")
	require.NoError(err)
	p2, err := e.Compile("messageCount >= 3")
	require.NoError(err)
	assert.Same(p1, p2)
	assert.Equal("messageCount >= 3", p1.String())
	assert.True(p1.Eval(map[string]any{"messageCount": 3}))
	assert.False(p1.Eval(map[string]any{"messageCount": 2}))
}

func TestLookup(t *testing.T) {
	assert := assert.New(t)

	vars := map[string]any{
		"user":  map[string]any{"id": "u1", "roles": []any{"r1", "r2"}},
		"count": map[string]int{"a": 1},
		"typed": map[string]bool{"ok": true},
	}

	v, ok := Lookup(vars, "user.id")
	assert.True(ok)
	assert.Equal("u1", v)

	v, ok = Lookup(vars, "user.roles.1")
	assert.True(ok)
	assert.Equal("r2", v)

	v, ok = Lookup(vars, "count.a")
	assert.True(ok)
	assert.Equal(1, v)

	v, ok = Lookup(vars, "typed.ok")
	assert.True(ok)
	assert.Equal(true, v)

	_, ok = Lookup(vars, "user.id.deeper")
	assert.False(ok)
	_, ok = Lookup(vars, "nope")
	assert.False(ok)
	_, ok = Lookup(vars, "")
	assert.False(ok)
}
