package memfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsshell/internal/common"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		in      string
		key     string
		pattern string
	}{
		{"*.txt", "name", "*.txt"},
		{"  report?  ", "name", "report?"},
		{`name=="a*"`, "name", "a*"},
		{`color == "re[dx]"`, "color", "re[dx]"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			q, err := parseQuery(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.key, q.key)
			assert.Equal(t, tt.pattern, q.pattern)
		})
	}
}

func TestParseQuery_Invalid(t *testing.T) {
	for _, in := range []string{"", `color==red`, `=="x"`, `name==""`, "[", `name=="[a"`} {
		t.Run(in, func(t *testing.T) {
			_, err := parseQuery(in)
			assert.ErrorIs(t, err, common.ErrInvalidArgument)
		})
	}
}

func TestQueryMatch(t *testing.T) {
	n := &node{attrs: map[string]*attr{"color": {data: []byte("red")}}}

	q := query{key: "name", pattern: "*.go"}
	assert.True(t, q.match("main.go", n))
	assert.False(t, q.match("main.c", n))

	q = query{key: "color", pattern: "r*"}
	assert.True(t, q.match("anything", n))
	assert.False(t, q.match("anything", &node{}))
}
