package extraction

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapper_NormalisesFields(t *testing.T) {
	m, err := NewMapper()
	require.NoError(t, err)

	out, err := m.Map(json.RawMessage(`{"data":{"device_id":"  m-9 ","notes":"","location":null,"readings":[{"name":"temp","value":21.5,"unit":"C"}]}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"device_id":"m-9","readings":[{"name":"temp","value":21.5,"unit":"C"}]}`, string(out))
}

func TestMapper_RejectsBadOutputAsFatal(t *testing.T) {
	m, err := NewMapper()
	require.NoError(t, err)

	for _, raw := range []string{
		`not json`,
		`[1,2]`,
		`{"confidence": 3}`,
		`{"readings":[{"value":1}]}`,
	} {
		_, err := m.Map(json.RawMessage(raw))
		var ce *Error
		require.True(t, errors.As(err, &ce), raw)
		assert.Equal(t, KindFatal, ce.Kind, raw)
	}
}
