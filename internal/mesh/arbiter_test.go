package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPoliteIsAntisymmetric(t *testing.T) {
	ids := []string{"alice", "bob", "carol", "Bob", "a", "ab", "b", "user-10", "user-9"}
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			assert.NotEqual(t, IsPolite(a, b), IsPolite(b, a), "%q vs %q", a, b)
		}
	}
	assert.True(t, IsPolite("alice", "bob"))
	assert.False(t, IsPolite("bob", "alice"))
}
