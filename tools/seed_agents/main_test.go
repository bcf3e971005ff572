package main

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAgent(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	seats := 0
	for i := 0; i < 50; i++ {
		a := fakeAgent(r, 3, "rtb-east")
		require.Len(t, a.Creatives, 3)
		assert.NotEmpty(t, a.Name)
		assert.NotEmpty(t, a.Categories)
		require.Len(t, a.AdvertiserDomains, 1)
		for _, c := range a.Creatives {
			assert.Positive(t, c.Width)
			assert.Positive(t, c.Height)
			assert.NotEmpty(t, c.Format)
		}
		if raw, ok := a.ProviderConfig["rtb-east"]; ok {
			var sc struct {
				Seat string `json:"seat"`
			}
			require.NoError(t, json.Unmarshal(raw, &sc))
			assert.NotEmpty(t, sc.Seat)
			seats++
		}
	}
	assert.Greater(t, seats, 0)
	assert.Less(t, seats, 50)
}

func TestPick(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	assert.Nil(t, pick(r, countries, 0))
	got := pick(r, countries, 3)
	assert.Len(t, got, 3)
	seen := map[string]bool{}
	for _, c := range got {
		assert.False(t, seen[c], "values are distinct")
		seen[c] = true
	}
	assert.Len(t, pick(r, countries, 99), len(countries))
}
