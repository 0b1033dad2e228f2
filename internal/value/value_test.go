package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqualIgnoresObjectKeyOrder(t *testing.T) {
	a := Object(map[string]Value{"x": Number(1), "y": String("hi")})
	b := Object(map[string]Value{"y": String("hi"), "x": Number(1)})
	assert.True(t, a.Equal(b))
}

func TestEqualArrayOrderMatters(t *testing.T) {
	a := Array([]Value{Number(1), Number(2)})
	b := Array([]Value{Number(2), Number(1)})
	assert.False(t, a.Equal(b))
}

func TestEqualDifferentKinds(t *testing.T) {
	assert.False(t, Null().Equal(Bool(false)))
	assert.False(t, String("1").Equal(Number(1)))
}

func TestJSONRoundTrip(t *testing.T) {
	in := Object(map[string]Value{
		"temperature": Number(62.5),
		"on":          Bool(true),
		"tags":        Array([]Value{String("a"), String("b")}),
		"nested":      Object(map[string]Value{"x": Null()}),
	})

	raw, err := in.MarshalJSON()
	require.NoError(t, err)

	var out Value
	require.NoError(t, out.UnmarshalJSON(raw))
	assert.True(t, in.Equal(out))
}

func TestCloneIsIndependent(t *testing.T) {
	orig := Object(map[string]Value{"a": Array([]Value{Number(1)})})
	clone := orig.Clone()

	arr, _ := orig.Get("a").Array()
	arr[0] = Number(99)

	// mutating the slice obtained from the original must not affect the clone
	cloneArr, _ := clone.Get("a").Array()
	n, _ := cloneArr[0].Number()
	assert.Equal(t, float64(1), n)
}

func TestParseJSONEmpty(t *testing.T) {
	v, err := ParseJSON(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}
