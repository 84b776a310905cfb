package common

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require.True(t, isUsageError(errors.New(`required flag(s) "provider" not set`)))
	require.True(t, isUsageError(errors.New("unknown flag: --bogus")))
	require.False(t, isUsageError(errors.New("client: request timed out")))
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "NOTICE", cfg.Logging.Level)

	f := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(f, []byte("[Logging]\nLevel = \"nope\"\n"), 0600))
	_, err = LoadConfig(f)
	require.Error(t, err)
	require.True(t, isUsageError(err))
}
