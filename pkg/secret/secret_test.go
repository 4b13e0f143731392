package secret

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishballnoodle/Ops-Copilot/pkg/envconfig"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestProvision_GeneratesHexWhenUnset(t *testing.T) {
	env := envconfig.NewMapEnviron(nil)
	logger, _ := captureLogger()

	res, err := Provision(env, Options{Logger: logger})
	require.NoError(t, err)

	assert.Equal(t, SourceRandom, res.Source)
	assert.False(t, res.Weak)
	assert.Regexp(t, hex64, res.Value)

	v, ok := env.LookupEnv(envconfig.SecretVar)
	require.True(t, ok)
	assert.Equal(t, res.Value, v)
}

func TestProvision_KeepsExistingSecret(t *testing.T) {
	env := envconfig.NewMapEnviron(map[string]string{envconfig.SecretVar: "a-long-operator-secret"})

	res, err := Provision(env, Options{Rand: failingReader{}})
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, res.Source)
	assert.Equal(t, "a-long-operator-secret", res.Value)
	assert.False(t, res.Weak)
}

func TestProvision_ReplacesEmptySecret(t *testing.T) {
	env := envconfig.NewMapEnviron(map[string]string{envconfig.SecretVar: ""})

	res, err := Provision(env, Options{})
	require.NoError(t, err)
	assert.Equal(t, SourceRandom, res.Source)
	assert.Regexp(t, hex64, res.Value)

	v, _ := env.LookupEnv(envconfig.SecretVar)
	assert.Equal(t, res.Value, v)
}

func TestProvision_WarnsOnShortSecret(t *testing.T) {
	env := envconfig.NewMapEnviron(map[string]string{envconfig.SecretVar: "short"})
	logger, buf := captureLogger()

	res, err := Provision(env, Options{Logger: logger})
	require.NoError(t, err)
	assert.True(t, res.Weak)
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestProvision_FallsBackToTimestamp(t *testing.T) {
	env := envconfig.NewMapEnviron(nil)
	logger, buf := captureLogger()
	fixed := time.Unix(1735212612, 42)

	res, err := Provision(env, Options{
		Rand:   failingReader{},
		Now:    func() time.Time { return fixed },
		Logger: logger,
	})
	require.NoError(t, err)

	assert.Equal(t, SourceFallback, res.Source)
	assert.True(t, res.Weak)
	assert.Equal(t, Fallback(fixed), res.Value)
	assert.Contains(t, buf.String(), "timestamp-derived")

	v, _ := env.LookupEnv(envconfig.SecretVar)
	assert.Equal(t, res.Value, v)
}

func TestProvision_PersistsAndReuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "desense.secret")

	first, err := Provision(envconfig.NewMapEnviron(nil), Options{PersistFile: path})
	require.NoError(t, err)
	assert.Equal(t, SourceRandom, first.Source)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := Provision(envconfig.NewMapEnviron(nil), Options{PersistFile: path, Rand: failingReader{}})
	require.NoError(t, err)
	assert.Equal(t, SourceFile, second.Source)
	assert.Equal(t, first.Value, second.Value)
}

func TestProvision_DoesNotPersistFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "desense.secret")

	_, err := Provision(envconfig.NewMapEnviron(nil), Options{PersistFile: path, Rand: failingReader{}})
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestGenerate_Deterministic(t *testing.T) {
	v, err := Generate(bytes.NewReader(bytes.Repeat([]byte{0xab}, 32)))
	require.NoError(t, err)
	assert.Equal(t, "ab", v[:2])
	assert.Len(t, v, 64)

	_, err = Generate(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}
