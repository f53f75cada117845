package upload

import (
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapEnv map[string]string

func (m mapEnv) Get(key string) string {
	return m[key]
}

func (m mapEnv) Set(key, value string) error {
	m[key] = value
	return nil
}

func (m mapEnv) Unset(key string) error {
	delete(m, key)
	return nil
}

func (m mapEnv) List() []string {
	var list []string
	for k, v := range m {
		list = append(list, k+"="+v)
	}
	return list
}

var _ env.Repository = mapEnv{}

func TestConfigFromEnv_Defaults(t *testing.T) {
	config, err := ConfigFromEnv(mapEnv{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
}

func TestConfigFromEnv(t *testing.T) {
	config, err := ConfigFromEnv(mapEnv{
		MaxRetriesEnvKey:         "5",
		BaseBackoffEnvKey:        "250ms",
		FinalizeModeEnvKey:       "First-Part",
		LargeAssetPatternsEnvKey: "stems/**, **/*.wav,",
		CleanupRetriesEnvKey:     "4",
		CleanupTimeoutEnvKey:     "30s",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, config.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, config.BaseBackoff)
	assert.Equal(t, FinalizeFirstPart, config.FinalizeMode)
	assert.Equal(t, []string{"stems/**", "**/*.wav"}, config.LargeAssetPatterns)
	assert.Equal(t, uint(4), config.CleanupRetries)
	assert.Equal(t, 30*time.Second, config.CleanupTimeout)

	assert.True(t, config.isLargeAssetPath("beats/take.wav"))
	assert.False(t, config.isLargeAssetPath("beats/take.mp3"))
}

func TestConfigFromEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		MaxRetriesEnvKey:     "zero",
		BaseBackoffEnvKey:    "soon",
		FinalizeModeEnvKey:   "merge",
		CleanupRetriesEnvKey: "-1",
		CleanupTimeoutEnvKey: "0s",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := ConfigFromEnv(mapEnv{key: value})
			assert.Error(t, err)
		})
	}

	_, err := ConfigFromEnv(mapEnv{MaxRetriesEnvKey: "0"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	config := DefaultConfig()
	assert.NoError(t, config.Validate())

	config.FinalizeMode = "merge"
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.BucketRules["covers"] = BucketRule{MaxSize: -1}
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.CleanupRetryWait = config.CleanupTimeout
	assert.Error(t, config.Validate())
}

func TestBucketRule_Check(t *testing.T) {
	rule := DefaultConfig().BucketRules["avatars"]

	assert.NoError(t, rule.check("image/webp", 5*1024*1024))

	var validationErr *ValidationError
	require.ErrorAs(t, rule.check("image/png", 5*1024*1024+1), &validationErr)
	assert.Equal(t, "size", validationErr.Field)
	require.ErrorAs(t, rule.check("video/mp4", 1024), &validationErr)
	assert.Equal(t, "content_type", validationErr.Field)

	assert.NoError(t, BucketRule{}.check("video/mp4", 1<<40))
}

func TestConfig_IsLargeAssetPath(t *testing.T) {
	config := DefaultConfig()

	assert.True(t, config.isLargeAssetPath("stems/a.zip"))
	assert.True(t, config.isLargeAssetPath("stems/x/y/a.zip"))
	assert.False(t, config.isLargeAssetPath("beats/stems/a.zip"))
	assert.False(t, config.isLargeAssetPath("stemsa.zip"))
}
