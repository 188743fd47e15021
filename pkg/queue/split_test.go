package queue

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "single statement",
			script: "SELECT 1",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "trailing semicolons",
			script: "SELECT 1;;  ",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "two statements",
			script: "CREATE TABLE t (x INT); SELECT * FROM t;",
			want:   []string{"CREATE TABLE t (x INT)", "SELECT * FROM t"},
		},
		{
			name:   "semicolon in string literal",
			script: "SELECT 'a;b' AS s",
			want:   []string{"SELECT 'a;b' AS s"},
		},
		{
			name:   "escaped quote in literal",
			script: "SELECT 'it''s; fine'; SELECT 2",
			want:   []string{"SELECT 'it''s; fine'", "SELECT 2"},
		},
		{
			name:   "semicolon in quoted identifier",
			script: `SELECT 1 AS "a;b"`,
			want:   []string{`SELECT 1 AS "a;b"`},
		},
		{
			name:   "dollar quoted",
			script: "SELECT $$a;b$$; SELECT $tag$x;y$tag$",
			want:   []string{"SELECT $$a;b$$", "SELECT $tag$x;y$tag$"},
		},
		{
			name:   "positional parameter is not a dollar quote",
			script: "SELECT $1; SELECT 2",
			want:   []string{"SELECT $1", "SELECT 2"},
		},
		{
			name:   "line comment keeps trailing text",
			script: "SELECT 1 -- done; not a split\n",
			want:   []string{"SELECT 1 -- done; not a split"},
		},
		{
			name:   "block comment",
			script: "SELECT /* ; */ 1; SELECT 2",
			want:   []string{"SELECT /* ; */ 1", "SELECT 2"},
		},
		{
			name:   "comment-only fragment dropped",
			script: "SELECT 1; -- trailing comment",
			want:   []string{"SELECT 1"},
		},
		{
			name:   "empty script",
			script: "  ;  ",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitStatements(tt.script))
		})
	}
}

func TestIsMultiStatement(t *testing.T) {
	assert.False(t, IsMultiStatement("SELECT 1;"))
	assert.True(t, IsMultiStatement("SELECT 1; SELECT 2"))
	assert.False(t, IsMultiStatement("SELECT ';'"))
}

func TestProperty_SplitRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	ident := gen.Identifier().SuchThat(func(s string) bool { return s != "" })

	properties.Property("joining simple statements with ';' splits back to the same list", prop.ForAll(
		func(names []string) bool {
			stmts := make([]string, len(names))
			for i, n := range names {
				stmts[i] = "SELECT '" + n + ";' AS " + n
			}
			got := SplitStatements(strings.Join(stmts, ";\n"))
			if len(got) != len(stmts) {
				return false
			}
			for i := range stmts {
				if got[i] != stmts[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(ident),
	))

	properties.TestingRun(t)
}
