package revid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litecore-db/litecore/pkg/status"
)

func TestParseTreeForm(t *testing.T) {
	id, err := Parse("12-abcdef")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), id.Generation())
	assert.Equal(t, "abcdef", id.Tail())
	assert.Equal(t, FormTree, id.Form())
	assert.Equal(t, "12-abcdef", id.String())
	assert.True(t, id.IsValid())
}

func TestParseVersionVectorForm(t *testing.T) {
	id, err := Parse("7@peer-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id.Generation())
	assert.Equal(t, "peer-1", id.Tail())
	assert.Equal(t, FormVersion, id.Form())
	assert.Equal(t, "7@peer-1", id.String())
}

func TestParseRejects(t *testing.T) {
	cases := []string{
		"",
		"abc",
		"-abc",
		"12-",
		"0-abc",
		"-",
		"@peer",
		"5@",
		"99999999999999999999999999-abc", // generation overflow
		"x7-abc",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, "expected %q to be rejected", c)
		assert.True(t, status.Is(err, status.CodeBadRevID), "wrong error kind for %q", c)
	}
}

func TestZeroIDIsAbsent(t *testing.T) {
	var id ID
	assert.Equal(t, uint64(0), id.Generation())
	assert.False(t, id.IsValid())
	assert.Equal(t, "", id.String())
}

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1-aaa", "2-aaa", -1},
		{"2-aaa", "1-zzz", 1},
		{"3-aaa", "3-bbb", -1},
		{"3-bbb", "3-bbb", 0},
		{"10-aaa", "9-zzz", 1}, // numeric, not lexicographic, on generation
	}
	for _, c := range cases {
		a, b := MustParse(c.a), MustParse(c.b)
		assert.Equal(t, c.want, a.Compare(b), "%s vs %s", c.a, c.b)
	}
}
