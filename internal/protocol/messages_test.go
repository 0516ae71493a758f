package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(TypePTYOutput, PTYOutputPayload{SessionID: "s1", Data: []byte{0xff, 'h', 'i'}})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypePTYOutput, env.Type)
	assert.NotZero(t, env.Ts)

	var p PTYOutputPayload
	require.NoError(t, env.Unmarshal(&p))
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, []byte{0xff, 'h', 'i'}, p.Data, "non-UTF-8 output survives encoding")
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	env, err := Decode([]byte(`{"type":"detach"}`))
	require.NoError(t, err)
	assert.Error(t, env.Unmarshal(&AttachPayload{}))
}
