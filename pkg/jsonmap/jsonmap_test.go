package jsonmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromStringMapHandlesNil(t *testing.T) {
	require.Empty(t, FromStringMap(nil))
}

func TestRoundTrip(t *testing.T) {
	in := map[string]string{"team": "data", "owner": "qa"}
	require.Equal(t, in, ToStringMap(FromStringMap(in)))
}

func TestToStringMapCoercesValues(t *testing.T) {
	out := ToStringMap(map[string]interface{}{"count": 3.0})
	require.Equal(t, "3", out["count"])
}
