package fx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipSize(t *testing.T) {
	assert.Equal(t, 0.0001, PipSize("EURUSD"))
	assert.Equal(t, 0.01, PipSize("usdjpy"))
}

func TestPips(t *testing.T) {
	assert.InDelta(t, 7.0, Pips(Buy, 1.10000, 1.10070, 0.0001), 1e-9)
	assert.InDelta(t, -7.0, Pips(Sell, 1.10000, 1.10070, 0.0001), 1e-9)
	assert.InDelta(t, 25.0, Pips(Sell, 150.50, 150.25, 0.01), 1e-9)
}

func TestDirectionJSON(t *testing.T) {
	b, err := json.Marshal(Sell)
	require.NoError(t, err)
	assert.Equal(t, `"SELL"`, string(b))

	var d Direction
	require.NoError(t, json.Unmarshal([]byte(`"buy"`), &d))
	assert.Equal(t, Buy, d)
	assert.Error(t, json.Unmarshal([]byte(`"HOLD"`), &d))
}
