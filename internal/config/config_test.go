package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validConfig = `
env: dev
origin: https://forms.example.org
access_token_exp_seconds: 300
challenge_token_exp_seconds: 60
http: 127.0.0.1:8080
store:
  type: memory
keystore:
  type: memory
`

func TestLoad(t *testing.T) {
	c, err := Load([]byte(validConfig))
	require.NoError(t, err)
	require.Equal(t, "https://forms.example.org", c.Origin)
	require.Equal(t, 5*time.Minute, c.AccessTokenExp())
	require.Equal(t, time.Minute, c.ChallengeTokenExp())
	require.Equal(t, int64(1<<20), c.MaxRequestBodyLenBytes, "body length cap defaults to 1 MiB")
	require.Equal(t, "memory", c.Store.Type)
	require.Equal(t, "memory", c.Keystore.Type)
}

func TestLoadRejectsMissingFields(t *testing.T) {
	for name, conf := range map[string]string{
		"no env":           `{origin: x, access_token_exp_seconds: 1, challenge_token_exp_seconds: 1}`,
		"bad env":          `{env: staging, origin: x, access_token_exp_seconds: 1, challenge_token_exp_seconds: 1}`,
		"no origin":        `{env: dev, access_token_exp_seconds: 1, challenge_token_exp_seconds: 1}`,
		"no access exp":    `{env: dev, origin: x, challenge_token_exp_seconds: 1}`,
		"no challenge exp": `{env: dev, origin: x, access_token_exp_seconds: 1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(conf))
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsUnknownStoreType(t *testing.T) {
	_, err := Load([]byte(`
env: dev
origin: https://forms.example.org
access_token_exp_seconds: 300
challenge_token_exp_seconds: 60
store:
  type: dynamodb
`))
	require.Error(t, err)
}

func TestOpenConfiguredBackends(t *testing.T) {
	c, err := Load([]byte(validConfig))
	require.NoError(t, err)

	s, err := c.Store.Open()
	require.NoError(t, err)
	defer s.Close()

	ks, err := c.Keystore.Open()
	require.NoError(t, err)
	defer ks.Close()
}
