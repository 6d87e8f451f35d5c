package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	t.Run("sorts keys and drops whitespace", func(t *testing.T) {
		got, err := Canonical([]byte(`{ "b": 1, "a": {"d": true, "c": "x<y"} }`))
		require.NoError(t, err)
		assert.Equal(t, `{"a":{"c":"x<y","d":true},"b":1}`, string(got))
	})

	t.Run("numbers keep their text", func(t *testing.T) {
		got, err := Canonical([]byte(`{"n": 1.50, "big": 12345678901234567890}`))
		require.NoError(t, err)
		assert.Equal(t, `{"big":12345678901234567890,"n":1.50}`, string(got))
	})

	t.Run("key order does not change the identifier", func(t *testing.T) {
		a, err := Canonical([]byte(`{"x":1,"y":[2,3]}`))
		require.NoError(t, err)
		b, err := Canonical([]byte(`{"y":[2,3],"x":1}`))
		require.NoError(t, err)
		idA, _ := ComputeID(a)
		idB, _ := ComputeID(b)
		assert.Equal(t, idA, idB)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := Canonical([]byte(`{`))
		require.Error(t, err)
	})
}
