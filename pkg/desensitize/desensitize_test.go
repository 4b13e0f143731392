package desensitize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishballnoodle/Ops-Copilot/pkg/logging"
)

const fortigateLine = `date=2025-12-26 time=19:30:12 devname="FG-100F" type="traffic" ` +
	`srcip=10.183.17.136 dstip=61.170.80.60 srcmac=00:1a:2b:3c:4d:5e action="deny" password=hunter2`

func newTestDesensitizer(t *testing.T, cfg Config) *Desensitizer {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = "0123456789abcdef0123456789abcdef"
	}
	cfg.Logger = logging.Discard()
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestLine_MasksAllKinds(t *testing.T) {
	d := newTestDesensitizer(t, Config{})

	out, stats := d.Line(fortigateLine)

	for _, leaked := range []string{"10.183.17.136", "61.170.80.60", "00:1a:2b:3c:4d:5e", "hunter2"} {
		assert.NotContains(t, out, leaked)
	}
	assert.Contains(t, out, "srcip="+d.Token(KindIP, "10.183.17.136"))
	assert.Contains(t, out, "dstip="+d.Token(KindIP, "61.170.80.60"))
	assert.Contains(t, out, "srcmac="+d.Token(KindMAC, "00:1a:2b:3c:4d:5e"))
	assert.Contains(t, out, "password="+d.Token(KindSecret, "hunter2"))
	assert.Contains(t, out, `devname="FG-100F"`)

	assert.Equal(t, 2, stats[KindIP])
	assert.Equal(t, 1, stats[KindMAC])
	assert.Equal(t, 1, stats[KindSecret])
	assert.Equal(t, 4, stats.Total())
}

func TestToken_FormatAndStability(t *testing.T) {
	d := newTestDesensitizer(t, Config{})
	tok := d.Token(KindIP, "8.8.8.8")

	assert.Regexp(t, `^<IP:[0-9a-f]{10}>$`, tok)
	assert.Equal(t, tok, d.Token(KindIP, "8.8.8.8"))

	other := newTestDesensitizer(t, Config{Secret: "another-secret-value"})
	assert.NotEqual(t, tok, other.Token(KindIP, "8.8.8.8"))
}

func TestLine_SecretKeysAreCaseInsensitive(t *testing.T) {
	d := newTestDesensitizer(t, Config{})

	out, stats := d.Line("user=bob Password = s3cret TOKEN=abc secret=xyz")
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "abc ")
	assert.NotContains(t, out, "xyz")
	assert.Contains(t, out, "Password = <SECRET:")
	assert.Contains(t, out, "user=bob")
	assert.Equal(t, 3, stats[KindSecret])
}

func TestLine_KeepPrivateRanges(t *testing.T) {
	d := newTestDesensitizer(t, Config{KeepPrivateRanges: true})

	out, stats := d.Line("a=10.1.2.3 b=172.16.0.9 c=192.168.1.1 d=172.32.0.1 e=8.8.8.8 f=172.15.255.1")
	assert.Contains(t, out, "a=10.1.2.3")
	assert.Contains(t, out, "b=172.16.0.9")
	assert.Contains(t, out, "c=192.168.1.1")
	assert.NotContains(t, out, "172.32.0.1", "172.32/16 is public")
	assert.NotContains(t, out, "8.8.8.8")
	assert.NotContains(t, out, "172.15.255.1", "only 172.16.0.0/12 is private")
	assert.Equal(t, 3, stats[KindIP])
}

func TestLine_MasksDashedMAC(t *testing.T) {
	d := newTestDesensitizer(t, Config{})
	out, _ := d.Line("mac=AA-BB-CC-DD-EE-FF")
	assert.Equal(t, "mac="+d.Token(KindMAC, "AA-BB-CC-DD-EE-FF"), out)
}

func TestLine_LeavesCleanLinesAlone(t *testing.T) {
	d := newTestDesensitizer(t, Config{})
	out, stats := d.Line("service started in 1.5s")
	assert.Equal(t, "service started in 1.5s", out)
	assert.Zero(t, stats.Total())
}

func TestIrreversible_NeverWritesMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	d := newTestDesensitizer(t, Config{MappingPath: path})

	d.Line(fortigateLine)
	require.NoError(t, d.Flush())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, fortigateLine, d.Restore(fortigateLine))
}

func TestReversible_PersistsAndRestores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "map.json")
	d := newTestDesensitizer(t, Config{Reversible: true, MappingPath: path})

	masked, _ := d.Line(fortigateLine)
	assert.Equal(t, fortigateLine, d.Restore(masked))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file mappingFile
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Equal(t, "10.183.17.136", file.Rev[d.Token(KindIP, "10.183.17.136")])
	assert.Equal(t, d.Token(KindSecret, "hunter2"), file.Map["hunter2"])

	reloaded := newTestDesensitizer(t, Config{Reversible: true, MappingPath: path})
	assert.Equal(t, fortigateLine, reloaded.Restore(masked))
	assert.Equal(t, 4, reloaded.Len())
}

func TestReversible_CorruptMappingIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	d := newTestDesensitizer(t, Config{Reversible: true, MappingPath: path})
	assert.Zero(t, d.Len())

	out, _ := d.Line("ip=1.2.3.4")
	assert.Equal(t, "ip=1.2.3.4", d.Restore(out))
}

func TestReversible_StaleTokensStillRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	old := newTestDesensitizer(t, Config{Secret: "old-secret-value", Reversible: true, MappingPath: path})
	masked, _ := old.Line("ip=1.2.3.4")

	d := newTestDesensitizer(t, Config{Secret: "new-secret-value", Reversible: true, MappingPath: path})
	assert.Zero(t, d.Len(), "tokens from another secret are not reused for masking")
	assert.Equal(t, "ip=1.2.3.4", d.Restore(masked))
}

func TestLine_ConcurrentUse(t *testing.T) {
	d := newTestDesensitizer(t, Config{Reversible: true, MappingPath: filepath.Join(t.TempDir(), "m.json")})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				out, _ := d.Line(fortigateLine)
				assert.False(t, strings.Contains(out, "61.170.80.60"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, d.Len())
}

func TestReversible_ConcurrentWritersKeepEveryToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	d := newTestDesensitizer(t, Config{Reversible: true, MappingPath: path})

	for round := 0; round < 10; round++ {
		var wg sync.WaitGroup
		for g := 0; g < 16; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					d.Line(fmt.Sprintf("srcip=100.%d.%d.%d", round, g, i))
				}
			}(g)
		}
		wg.Wait()
		require.NoError(t, d.Flush())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var file mappingFile
		require.NoError(t, json.Unmarshal(data, &file))
		require.Len(t, file.Rev, d.Len(), "round %d", round)
	}
	assert.Equal(t, 10*16*20, d.Len())
}
