package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "john.doe@example.com", NormalizeEmail("  John.Doe@Example.COM  "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestNormalizePhone(t *testing.T) {
	t.Run("strips formatting", func(t *testing.T) {
		assert.Equal(t, "5125551234", NormalizePhone("(512) 555-1234"))
	})

	t.Run("drops country code keeping last 10 digits", func(t *testing.T) {
		assert.Equal(t, "5125551234", NormalizePhone("+1 512 555 1234"))
		assert.Equal(t, "5125551234", NormalizePhone("0015125551234"))
	})

	t.Run("short numbers pass through", func(t *testing.T) {
		assert.Equal(t, "5551234", NormalizePhone("555-1234"))
	})
}

func TestNormalizeName(t *testing.T) {
	t.Run("lowercases and strips punctuation", func(t *testing.T) {
		assert.Equal(t, "obrien mary", NormalizeName("O'Brien,  Mary"))
	})

	t.Run("removes generational suffixes", func(t *testing.T) {
		assert.Equal(t, "john smith", NormalizeName("John Smith Jr."))
		assert.Equal(t, "john smith", NormalizeName("John Smith III"))
	})

	t.Run("collapses internal whitespace", func(t *testing.T) {
		assert.Equal(t, "ann marie lee", NormalizeName("Ann   Marie\tLee"))
	})
}

func TestBasicNormalizers(t *testing.T) {
	assert.Equal(t, "abc", Lowercase("ABC"))
	assert.Equal(t, "ABC", Uppercase("abc"))
	assert.Equal(t, "x", Trim("  x "))
	assert.Equal(t, "123", DigitsOnly("a1b2c3"))
	assert.Equal(t, "a1b2", Alphanumeric("a-1 b_2!"))
	assert.Equal(t, "ab", RemoveWhitespace("a \t\n b"))
}

func TestApply(t *testing.T) {
	t.Run("known normalizer", func(t *testing.T) {
		assert.Equal(t, "abc", Apply("ABC", "lowercase"))
	})

	t.Run("unknown normalizer is a no-op", func(t *testing.T) {
		assert.Equal(t, "ABC", Apply("ABC", "does_not_exist"))
	})
}

func TestApplyChain(t *testing.T) {
	assert.Equal(t, "john@x.com", ApplyChain("  John@X.COM ", "trim", "lowercase"))
	assert.Equal(t, "unchanged", ApplyChain("unchanged"))
}

func TestRegister(t *testing.T) {
	Register("reverse_test", func(s string) string {
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes)
	})

	fn, ok := Get("reverse_test")
	assert.True(t, ok)
	assert.Equal(t, "cba", fn("abc"))
	assert.Equal(t, "cba", Apply("abc", "reverse_test"))
}
