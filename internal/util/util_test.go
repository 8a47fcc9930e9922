package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hel...", Truncate("hello", 3))
	assert.Equal(t, "", Truncate("hello", 0))
	assert.Equal(t, "⌬⌬...", Truncate("⌬⌬⌬", 2))
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, " for project p1", Prefix(" for project ", "p1"))
	assert.Equal(t, "", Prefix(" for project ", ""))
}

func TestPtr(t *testing.T) {
	p := Ptr(42)
	assert.Equal(t, 42, *p)
}
