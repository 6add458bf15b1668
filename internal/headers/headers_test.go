package headers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrmatherly/nexus/config"
)

func TestInsertWithEnvSubstitution(t *testing.T) {
	t.Setenv("UPSTREAM_TOKEN", "s3cret")
	upstream := make(http.Header)
	err := Apply([]config.HeaderRule{
		{Rule: "insert", Name: "X-Api-Token", Value: "{{ env.UPSTREAM_TOKEN }}"},
	}, upstream, nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", upstream.Get("X-Api-Token"))
}

func TestRemoveByNameAndPattern(t *testing.T) {
	upstream := make(http.Header)
	upstream.Set("X-Internal-A", "1")
	upstream.Set("X-Internal-B", "2")
	upstream.Set("Keep-Me", "3")

	err := Apply([]config.HeaderRule{
		{Rule: "remove", Name: "X-Internal-A"},
		{Rule: "remove", Pattern: "^x-internal-"},
	}, upstream, nil)
	require.NoError(t, err)
	assert.Empty(t, upstream.Get("X-Internal-A"))
	assert.Empty(t, upstream.Get("X-Internal-B"))
	assert.Equal(t, "3", upstream.Get("Keep-Me"))
}

func TestForwardWithDefaultAndRename(t *testing.T) {
	inbound := make(http.Header)
	inbound.Set("X-Trace", "abc")

	upstream := make(http.Header)
	err := Apply([]config.HeaderRule{
		{Rule: "forward", Name: "X-Trace", Rename: "X-Upstream-Trace"},
		{Rule: "forward", Name: "X-Missing", Default: "fallback"},
	}, upstream, inbound)
	require.NoError(t, err)
	assert.Equal(t, "abc", upstream.Get("X-Upstream-Trace"))
	assert.Empty(t, upstream.Get("X-Trace"))
	assert.Equal(t, "fallback", upstream.Get("X-Missing"))
}

func TestRenameDuplicateKeepsBoth(t *testing.T) {
	inbound := make(http.Header)
	inbound.Set("X-Key", "v")

	upstream := make(http.Header)
	err := Apply([]config.HeaderRule{
		{Rule: "rename_duplicate", Name: "X-Key", Rename: "X-Key-Copy"},
	}, upstream, inbound)
	require.NoError(t, err)
	assert.Equal(t, "v", upstream.Get("X-Key"))
	assert.Equal(t, "v", upstream.Get("X-Key-Copy"))
}

func TestApplyIsIdempotent(t *testing.T) {
	inbound := make(http.Header)
	inbound.Set("X-Trace", "abc")
	rules := []config.HeaderRule{
		{Rule: "insert", Name: "X-Static", Value: "1"},
		{Rule: "forward", Name: "X-Trace"},
		{Rule: "remove", Pattern: "^x-drop"},
	}

	first := make(http.Header)
	require.NoError(t, Apply(rules, first, inbound))
	// Applying the same rules to the produced set changes nothing.
	second := first.Clone()
	require.NoError(t, Apply(rules, second, inbound))
	assert.Equal(t, first, second)
}

func TestInvalidPatternFails(t *testing.T) {
	err := Apply([]config.HeaderRule{
		{Rule: "remove", Pattern: "("},
	}, make(http.Header), nil)
	assert.Error(t, err)
}
