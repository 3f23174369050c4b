package glob_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cachekitdb/cachekit/internal/glob"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"user:*", "user:42", true},
		{"user:*", "session:42", false},
		{"user:?", "user:4", true},
		{"user:?", "user:42", false},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "abc", true},
		{"a*b*c", "ac", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"", "", true},
		{"", "x", false},
	}

	for _, c := range cases {
		assert.Equalf(t, c.want, glob.Match(c.pattern, c.s), "pattern=%q s=%q", c.pattern, c.s)
	}
}
