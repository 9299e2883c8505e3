package filter

import (
	"testing"

	"github.com/antonmedv/expr"
	"github.com/stretchr/testify/require"
)

func runFilter(t *testing.T, expression string, env Env) bool {
	t.Helper()
	prog, err := expr.Compile(expression, expr.Env(Env{}))
	require.NoError(t, err)
	res, err := expr.Run(prog, env)
	require.NoError(t, err)
	b, ok := res.(bool)
	require.True(t, ok, "filter must evaluate to bool")
	return b
}

func TestTargetExcludesSource(t *testing.T) {
	env := Helpers()
	env.Source = User{Id: 1, Username: "alice"}
	env.Target = User{Id: 2, Username: "bob"}
	require.True(t, runFilter(t, `Target.Id != Source.Id`, env))

	env.Target = env.Source
	require.False(t, runFilter(t, `Target.Id != Source.Id`, env))
}

func TestRoomTagFilter(t *testing.T) {
	env := Helpers()
	env.Room = Room{Id: 7, Slug: "team-chat", Tags: map[string]string{"min_level": "3"}}
	env.Target = User{Id: 2, Tags: map[string]string{"level": "5"}}
	require.True(t, runFilter(t, `AsInt(Target.Tags["level"]) >= AsInt(Room.Tags["min_level"])`, env))

	env.Target.Tags["level"] = "1"
	require.False(t, runFilter(t, `AsInt(Target.Tags["level"]) >= AsInt(Room.Tags["min_level"])`, env))
}

func TestEventNameFilter(t *testing.T) {
	env := Helpers()
	env.Name = "typing"
	require.True(t, runFilter(t, `Name == "typing"`, env))
}

func TestAsHelpers(t *testing.T) {
	require.Equal(t, int64(42), AsInt("42"))
	require.Equal(t, int64(0), AsInt("nope"))
	require.Equal(t, 1.5, AsFloat("1.5"))
	require.Equal(t, 0.0, AsFloat(""))
}
