package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealConfig(t *testing.T) {
	t.Run("wraps payload in current version", func(t *testing.T) {
		b, err := SealConfig("job_search", json.RawMessage(`{"keywords":["go"]}`))
		require.NoError(t, err)

		env, err := OpenConfig(b)
		require.NoError(t, err)
		assert.Equal(t, ConfigEnvelopeVersion, env.Version)
		assert.Equal(t, "job_search", env.Kind)
		assert.JSONEq(t, `{"keywords":["go"]}`, string(env.Payload))
	})

	t.Run("empty payload becomes empty object", func(t *testing.T) {
		b, err := SealConfig("", nil)
		require.NoError(t, err)

		env, err := OpenConfig(b)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(env.Payload))
	})

	t.Run("rejects invalid payload", func(t *testing.T) {
		_, err := SealConfig("x", json.RawMessage(`{broken`))
		assert.ErrorIs(t, err, ErrCorruptConfig)
	})
}

func TestOpenConfig(t *testing.T) {
	t.Run("legacy blob is version zero", func(t *testing.T) {
		env, err := OpenConfig([]byte(`{"keywords":["python"],"location":"remote"}`))
		require.NoError(t, err)
		assert.Equal(t, 0, env.Version)
		assert.JSONEq(t, `{"keywords":["python"],"location":"remote"}`, string(env.Payload))
	})

	t.Run("newer version is refused", func(t *testing.T) {
		_, err := OpenConfig([]byte(`{"v":7,"payload":{}}`))
		assert.ErrorIs(t, err, ErrUnsupportedConfigVersion)
	})

	t.Run("empty snapshot", func(t *testing.T) {
		_, err := OpenConfig(nil)
		assert.ErrorIs(t, err, ErrEmptyConfig)
	})

	t.Run("garbage snapshot", func(t *testing.T) {
		_, err := OpenConfig([]byte("\x00\x01pickle"))
		assert.ErrorIs(t, err, ErrCorruptConfig)
	})
}

func TestSessionClone(t *testing.T) {
	s := &Session{ID: "s1", ConfigSnapshot: []byte(`{}`)}
	c := s.Clone()
	c.ConfigSnapshot[0] = '['
	c.ID = "s2"

	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, byte('{'), s.ConfigSnapshot[0])
}

func TestParsePlanTier(t *testing.T) {
	tier, ok := ParsePlanTier(" PRO ")
	assert.True(t, ok)
	assert.Equal(t, PlanPro, tier)

	tier, ok = ParsePlanTier("enterprise")
	assert.False(t, ok)
	assert.Equal(t, PlanFree, tier)
}
