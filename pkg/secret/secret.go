// Package secret provisions the HMAC key used to derive desensitization
// tokens.
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fishballnoodle/Ops-Copilot/pkg/envconfig"
)

// MinLength is the shortest secret accepted without a warning.
const MinLength = 12

// Source says where the provisioned secret came from.
type Source string

const (
	SourceEnv      Source = "env"
	SourceFile     Source = "file"
	SourceRandom   Source = "random"
	SourceFallback Source = "fallback"
)

// Options control Provision. The zero value reads crypto/rand and the wall
// clock and persists nothing.
type Options struct {
	Rand        io.Reader
	Now         func() time.Time
	PersistFile string
	Logger      *slog.Logger
}

// Result describes the provisioned secret.
type Result struct {
	Value  string
	Source Source
	Weak   bool
}

// Generate returns 32 bytes from r as 64 lowercase hex characters.
func Generate(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, 32)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Fallback derives a predictable secret from the clock. It exists only so
// the stack can still start on hosts without a working random source.
func Fallback(now time.Time) string {
	return "weak-" + strconv.FormatInt(now.UnixNano(), 10)
}

// Provision makes sure env holds OPS_DESENSE_SECRET. An existing value is
// kept; otherwise the persist file (if any) is reused, then a random secret
// is generated, then the clock fallback is used.
//
// Unlike envconfig.Apply, an empty value counts as unset here: the
// desensitizer cannot key tokens with an empty secret, and the launcher
// script replaced it the same way (test -z).
func Provision(env envconfig.Environ, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if v, ok := env.LookupEnv(envconfig.SecretVar); ok && v != "" {
		res := Result{Value: v, Source: SourceEnv, Weak: len(v) < MinLength}
		if res.Weak {
			logger.Warn("desensitization secret is short; tokens are easy to brute force",
				"var", envconfig.SecretVar, "length", len(v), "min_length", MinLength)
		}
		return res, nil
	}

	if opts.PersistFile != "" {
		v, err := readPersisted(opts.PersistFile)
		if err != nil {
			return Result{}, err
		}
		if v != "" {
			if err := env.Setenv(envconfig.SecretVar, v); err != nil {
				return Result{}, fmt.Errorf("export %s: %w", envconfig.SecretVar, err)
			}
			logger.Info("reusing persisted desensitization secret", "file", opts.PersistFile)
			return Result{Value: v, Source: SourceFile, Weak: len(v) < MinLength}, nil
		}
	}

	res := Result{Source: SourceRandom}
	v, err := Generate(opts.Rand)
	if err != nil {
		v = Fallback(now())
		res = Result{Source: SourceFallback, Weak: true}
		logger.Warn("secure random source unavailable, using timestamp-derived secret",
			"var", envconfig.SecretVar, "error", err)
	}
	res.Value = v

	if err := env.Setenv(envconfig.SecretVar, v); err != nil {
		return Result{}, fmt.Errorf("export %s: %w", envconfig.SecretVar, err)
	}
	logger.Info("generated desensitization secret", "source", string(res.Source))

	if opts.PersistFile != "" && !res.Weak {
		if err := persist(opts.PersistFile, v); err != nil {
			return res, err
		}
	}
	return res, nil
}

func readPersisted(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func persist(path, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		return fmt.Errorf("write secret file: %w", err)
	}
	return nil
}
