package resolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTagFilter(t *testing.T) {
	tests := []struct {
		in   string
		want TagFilter
	}{
		{in: "", want: AnyTag()},
		{in: "  ", want: AnyTag()},
		{in: "untagged", want: Untagged()},
		{in: "prod", want: Tagged("prod")},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got := ParseTagFilter(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want.String(), got.String())
		})
	}
}

func TestTagFilterCondition(t *testing.T) {
	cond, args := AnyTag().condition("cv")
	assert.Empty(t, cond)
	assert.Empty(t, args)

	cond, args = Tagged("prod").condition("cv")
	assert.Contains(t, cond, "t.version_id = cv.id")
	assert.Equal(t, []interface{}{"prod"}, args)

	cond, _ = Untagged().condition("cv")
	assert.Contains(t, cond, "NOT EXISTS")
}
