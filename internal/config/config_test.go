package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envElementTimeout, envPollInterval, envRefreshPeriod, envAntiCaptchaKey, envTimeslotReversed,
		envFormURL, envWSEndpoint, envHeadless, envSnapshotDir, envScreenshots, envS3Bucket, envAWSRegion,
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	// keep a stray .env in the package dir out of the picture
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.ElementTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, time.Minute, cfg.RefreshPeriod())
	assert.True(t, cfg.Headless)
	assert.Equal(t, "snapshots", cfg.SnapshotDir)
	assert.False(t, cfg.SnapshotScreenshots)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
element_timeout_seconds: 7
anti_captcha_client_key: from-file
timeslot_select_reversed: true
form_url: https://otv.example.test/ams/TerminBuchen
headless: false
`), 0o600))
	t.Setenv(envAntiCaptchaKey, "'from-env'")
	t.Setenv(envPollInterval, "250")
	t.Setenv(envScreenshots, "yes")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.ElementTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, "from-env", cfg.AntiCaptchaClientKey)
	assert.True(t, cfg.TimeslotSelectReversed)
	assert.False(t, cfg.Headless)
	assert.True(t, cfg.SnapshotScreenshots)
	assert.Equal(t, "https://otv.example.test/ams/TerminBuchen", cfg.FormURL)
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("FORM_URL=https://dotenv.test\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://dotenv.test", cfg.FormURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero timeout", envElementTimeout, "0"},
		{"negative poll", envPollInterval, "-5"},
		{"not a number", envElementTimeout, "ten"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("X_BOOL", "yes")
	assert.True(t, parseBoolEnv("X_BOOL", false))
	t.Setenv("X_BOOL", "off")
	assert.False(t, parseBoolEnv("X_BOOL", true))
	t.Setenv("X_BOOL", "maybe")
	assert.True(t, parseBoolEnv("X_BOOL", true))
}
