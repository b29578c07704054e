package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopCandidates(t *testing.T) {
	t.Run("single winner at threshold", func(t *testing.T) {
		winners, top := topCandidates(map[string]int{"m1": 80, "m2": 40}, 70)
		assert.Equal(t, []string{"m1"}, winners)
		assert.Equal(t, 80, top)
	})

	t.Run("below threshold yields no winner", func(t *testing.T) {
		winners, top := topCandidates(map[string]int{"m1": 60, "m2": 40}, 70)
		assert.Nil(t, winners)
		assert.Equal(t, 60, top)
	})

	t.Run("tie returns all tied masters sorted", func(t *testing.T) {
		winners, top := topCandidates(map[string]int{"m2": 80, "m1": 80, "m3": 70}, 70)
		assert.Equal(t, []string{"m1", "m2"}, winners)
		assert.Equal(t, 80, top)
	})

	t.Run("exactly at threshold wins", func(t *testing.T) {
		winners, _ := topCandidates(map[string]int{"m1": 70}, 70)
		assert.Equal(t, []string{"m1"}, winners)
	})

	t.Run("empty scores", func(t *testing.T) {
		winners, top := topCandidates(map[string]int{}, 70)
		assert.Nil(t, winners)
		assert.Equal(t, 0, top)
	})
}

func TestMatchKeyID(t *testing.T) {
	// the separator must keep (type, name, value) distinct even when their
	// concatenation collides
	assert.NotEqual(t, matchKeyID("customer", "ab", "c"), matchKeyID("customer", "a", "bc"))
	assert.NotEqual(t, matchKeyID("ab", "c", "d"), matchKeyID("a", "bc", "d"))
	assert.Equal(t, matchKeyID("customer", "email", "j@x.com"), matchKeyID("customer", "email", "j@x.com"))
}

func TestSession(t *testing.T) {
	session := NewSession()

	session.naturalKeys[naturalKeyID("customer", "customer_id=C-100")] = "master-1"
	session.matchKeys[matchKeyID("customer", "email", "j@x.com")] = "master-1"

	assert.Equal(t, "master-1", session.naturalKeys[naturalKeyID("customer", "customer_id=C-100")])
	assert.Equal(t, "master-1", session.matchKeys[matchKeyID("customer", "email", "j@x.com")])

	_, ok := session.naturalKeys[naturalKeyID("customer", "customer_id=C-200")]
	assert.False(t, ok)
}

func TestSession_ScopedByEntityType(t *testing.T) {
	// loan id=1 and payment id=1 render to the same key string; a binding for
	// one type must never satisfy a lookup for the other
	session := NewSession()
	session.naturalKeys[naturalKeyID("loan", "id=1")] = "master-loan"
	session.matchKeys[matchKeyID("loan", "email", "j@x.com")] = "master-loan"

	_, ok := session.naturalKeys[naturalKeyID("payment", "id=1")]
	assert.False(t, ok)
	_, ok = session.matchKeys[matchKeyID("payment", "email", "j@x.com")]
	assert.False(t, ok)

	assert.Equal(t, "master-loan", session.naturalKeys[naturalKeyID("loan", "id=1")])
}
