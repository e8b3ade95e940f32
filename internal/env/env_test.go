package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBase(base Var) *Env {
	return &Env{base: base, extra: make(Var)}
}

func TestMerge_Precedence(t *testing.T) {
	e := withBase(Var{"PORT": "1", "HOME": "/root"}).WithSet("PORT", "2")
	out := e.Merge(Var{"PORT": "3"})
	assert.Equal(t, []string{"HOME=/root", "PORT=3"}, out)

	out = e.Merge(nil)
	assert.Equal(t, []string{"HOME=/root", "PORT=2"}, out)
}

func TestMerge_Expansion(t *testing.T) {
	e := withBase(Var{"DATA": "/srv"}).WithVars(map[string]string{
		"ASSETS": "${DATA}/assets",
		"LEFT":   "${MISSING}",
	})
	out := e.Merge(Var{"SCEN": "${ASSETS}/scenarios"})
	assert.Contains(t, out, "ASSETS=/srv/assets")
	assert.Contains(t, out, "LEFT=${MISSING}")
	// launch vars see configured extras in their raw form, not recursively expanded
	assert.Contains(t, out, "SCEN=${DATA}/assets/scenarios")
}

func TestWithSet_IsCopy(t *testing.T) {
	base := withBase(Var{})
	a := base.WithSet("A", "1")
	_, ok := base.Lookup("A")
	assert.False(t, ok)
	v, ok := a.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Same(t, a, a.WithSet("", "x"))
}

func TestFromPairs(t *testing.T) {
	m := FromPairs([]string{"A=1", "=bad", "novalue", "B=x=y"})
	assert.Equal(t, Var{"A": "1", "B": "x=y"}, m)
}

func TestExpand_Unterminated(t *testing.T) {
	assert.Equal(t, "a${B", expand("a${B", Var{"B": "x"}))
	assert.Equal(t, "x-x", expand("${B}-${B}", Var{"B": "x"}))
}

func FuzzMerge(f *testing.F) {
	f.Add("A", "${A}-x", "B", "${B}")
	f.Add("FOO", "bar", "FOO", "${FOO}")
	f.Fuzz(func(t *testing.T, k1, v1, k2, v2 string) {
		e := Empty().WithSet(k1, v1)
		out := e.Merge(Var{k2: v2})
		for _, kv := range out {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
	})
}
