// Package desensitize replaces IP addresses, MAC addresses and credential
// values in log lines with stable keyed tokens of the form <KIND:hash>.
//
// Tokens are the first ten hex characters of HMAC-SHA256(secret, raw), so a
// value maps to the same token for as long as the secret is unchanged. In
// reversible mode a token to value mapping is kept and persisted so that
// masked output can be restored later.
package desensitize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Kind labels a class of masked value.
type Kind string

const (
	KindIP     Kind = "IP"
	KindMAC    Kind = "MAC"
	KindSecret Kind = "SECRET"
)

const tokenHexLen = 10

var (
	ipPattern     = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)
	macPattern    = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`)
	tokenPattern  = regexp.MustCompile(`<(?:IP|MAC|SECRET):[0-9a-f]{10}>`)
	secretPattern = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(password\s*=\s*)(\S+)`),
		regexp.MustCompile(`(?i)(token\s*=\s*)(\S+)`),
		regexp.MustCompile(`(?i)(secret\s*=\s*)(\S+)`),
	}
)

// ErrEmptySecret is returned by New when no HMAC key is configured.
var ErrEmptySecret = errors.New("desensitize: empty secret")

// Config configures a Desensitizer.
type Config struct {
	Secret            string
	Reversible        bool
	MappingPath       string
	KeepPrivateRanges bool
	Logger            *slog.Logger
}

// Stats counts replacements per kind for one call.
type Stats map[Kind]int

// Total returns the number of replacements.
func (s Stats) Total() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

// mappingFile is the on-disk layout of the reversible mapping.
type mappingFile struct {
	Map map[string]string `json:"map"`
	Rev map[string]string `json:"rev"`
}

// Desensitizer masks lines. It is safe for concurrent use.
type Desensitizer struct {
	cfg    Config
	key    []byte
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string // raw -> token
	rev   map[string]string // token -> raw, reversible mode only
	dirty bool

	// writeMu serializes Flush so an older snapshot never replaces a
	// newer file. It is taken before mu.
	writeMu sync.Mutex
}

// New builds a Desensitizer. In reversible mode an existing mapping file is
// loaded; an unreadable or corrupt file is logged and ignored.
func New(cfg Config) (*Desensitizer, error) {
	if cfg.Secret == "" {
		return nil, ErrEmptySecret
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Desensitizer{
		cfg:    cfg,
		key:    []byte(cfg.Secret),
		logger: logger.With("component", "desensitize"),
		cache:  make(map[string]string),
		rev:    make(map[string]string),
	}
	if cfg.Reversible && cfg.MappingPath != "" {
		if err := d.load(); err != nil {
			d.logger.Warn("ignoring unreadable mapping file", "path", cfg.MappingPath, "error", err)
		}
	}
	return d, nil
}

// Token returns the token for raw without recording it.
func (d *Desensitizer) Token(kind Kind, raw string) string {
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(raw))
	sum := hex.EncodeToString(mac.Sum(nil))
	return "<" + string(kind) + ":" + sum[:tokenHexLen] + ">"
}

// Line masks IPv4 addresses, then MAC addresses, then the values of
// password=, token= and secret= pairs.
func (d *Desensitizer) Line(line string) (string, Stats) {
	stats := Stats{}

	d.mu.Lock()
	s := ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
		if d.cfg.KeepPrivateRanges && isPrivate(ip) {
			return ip
		}
		stats[KindIP]++
		return d.mapValueLocked(KindIP, ip)
	})
	s = macPattern.ReplaceAllStringFunc(s, func(mac string) string {
		stats[KindMAC]++
		return d.mapValueLocked(KindMAC, mac)
	})
	for _, re := range secretPattern {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			sub := re.FindStringSubmatch(m)
			stats[KindSecret]++
			return sub[1] + d.mapValueLocked(KindSecret, sub[2])
		})
	}
	needSave := d.dirty
	d.mu.Unlock()

	if needSave {
		if err := d.Flush(); err != nil {
			d.logger.Warn("failed to persist mapping", "path", d.cfg.MappingPath, "error", err)
		}
	}
	return s, stats
}

// MaskLine adapts Line to the preflight masker contract.
func (d *Desensitizer) MaskLine(line string) (string, error) {
	s, _ := d.Line(line)
	return s, nil
}

// Restore replaces known tokens in s with their original values. Outside
// reversible mode s is returned unchanged.
func (d *Desensitizer) Restore(s string) string {
	if !d.cfg.Reversible {
		return s
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		if raw, ok := d.rev[tok]; ok {
			return raw
		}
		return tok
	})
}

// Len returns the number of distinct values masked so far.
func (d *Desensitizer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache)
}

func (d *Desensitizer) mapValueLocked(kind Kind, raw string) string {
	if tok, ok := d.cache[raw]; ok {
		return tok
	}
	tok := d.Token(kind, raw)
	d.cache[raw] = tok
	if d.cfg.Reversible {
		d.rev[tok] = raw
		d.dirty = true
	}
	return tok
}

// Flush writes the reversible mapping if it changed since the last write.
// Irreversible desensitizers never touch the disk.
func (d *Desensitizer) Flush() error {
	if !d.cfg.Reversible || d.cfg.MappingPath == "" {
		return nil
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	file := mappingFile{
		Map: make(map[string]string, len(d.cache)),
		Rev: make(map[string]string, len(d.rev)),
	}
	for tok, raw := range d.rev {
		file.Rev[tok] = raw
		file.Map[raw] = tok
	}
	d.dirty = false
	d.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	if err := writeFileAtomic(d.cfg.MappingPath, data, 0o600); err != nil {
		d.mu.Lock()
		d.dirty = true
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *Desensitizer) load() error {
	data, err := os.ReadFile(d.cfg.MappingPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var file mappingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode mapping: %w", err)
	}
	for tok, raw := range file.Rev {
		d.rev[tok] = raw
	}
	// Tokens minted under another secret are not reused for masking.
	for raw, tok := range file.Map {
		if kind, ok := kindOf(tok); ok && d.Token(kind, raw) == tok {
			d.cache[raw] = tok
		}
	}
	return nil
}

func kindOf(tok string) (Kind, bool) {
	for _, k := range []Kind{KindIP, KindMAC, KindSecret} {
		if strings.HasPrefix(tok, "<"+string(k)+":") {
			return k, true
		}
	}
	return "", false
}

// isPrivate reports RFC1918 addresses only: a 172.x address outside
// 172.16.0.0/12 is public and stays masked.
func isPrivate(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.Is4() && addr.IsPrivate()
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create mapping dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".mapping-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
