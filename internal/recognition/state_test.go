package recognition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateText(t *testing.T) {
	for _, s := range []State{Scanning, AwaitingConfirmation, Confirmed, Cooldown} {
		data, err := json.Marshal(s)
		require.NoError(t, err)

		var back State
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, "state(9)", State(9).String())

	var s State
	assert.Error(t, s.UnmarshalText([]byte("dancing")))
}
