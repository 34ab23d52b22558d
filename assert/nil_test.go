package assert

import (
	"testing"

	testify "github.com/stretchr/testify/assert"
)

func TestNotNil(t *testing.T) {
	var typed *int

	testify.PanicsWithValue(t, "assertion failed: rt != nil", func() { NotNil(nil, "rt != nil") })
	testify.Panics(t, func() { NotNil(typed, "typed") })
	testify.NotPanics(t, func() { NotNil(new(int), "ok") })
	testify.NotPanics(t, func() { NotNil(0, "values are never nil") })
}

func TestIsNil(t *testing.T) {
	var m map[string]string

	testify.NotPanics(t, func() { IsNil(m, "nil map") })
	testify.PanicsWithValue(t, "assertion failed: flow 7 set", func() { IsNil("x", "flow %d set", 7) })
}
