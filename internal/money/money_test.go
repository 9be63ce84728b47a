package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := map[string]Cents{
		"85.90": 8590,
		"85,9":  8590,
		"10":    1000,
		"0.005": 1,
		"15.9":  1590,
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Parse("abc")
	assert.Error(t, err)
}

func TestPercentRoundsToCent(t *testing.T) {
	assert.Equal(t, Cents(800), Cents(8000).Percent(decimal.NewFromInt(10)))
	// 0.3% de 15.90 = 0.0477 -> 0.05
	assert.Equal(t, Cents(5), Cents(1590).Percent(decimal.RequireFromString("0.3")))
}

func TestJSON(t *testing.T) {
	out, err := json.Marshal(struct {
		Total Cents `json:"total"`
	}{Total: 8590})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":85.90}`, string(out))

	var in struct {
		A Cents `json:"a"`
		B Cents `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":50.5,"b":"30.00"}`), &in))
	assert.Equal(t, Cents(5050), in.A)
	assert.Equal(t, Cents(3000), in.B)
}
