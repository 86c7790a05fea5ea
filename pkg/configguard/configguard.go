// Package configguard protects the runtime's key-value configuration.
// Protected keys demand a stated reason, live encrypted at rest, and flip
// only after the change is committed to the audit chain. The in-memory
// view is frozen; every mutation produces a new frozen view.
package configguard

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/webhook"
)

// ProtectedKeys may only change with a non-empty reason and are encrypted
// at rest.
var ProtectedKeys = map[string]bool{
	"gatewayToken": true,
	"apiKey":       true,
	"secretKey":    true,
	"credentials":  true,
	"privateKey":   true,
}

// hkdf context strings keep the config key separate from every other use
// of the master key.
const keyDerivationInfo = "helix/configguard/v1"

// storeFile is the on-disk shape: plain keys in the clear, protected keys
// as base64(nonce || ciphertext).
type storeFile struct {
	Plain     map[string]string `json:"plain"`
	Encrypted map[string]string `json:"encrypted"`
}

// Guard is the protected configuration store.
type Guard struct {
	mu        sync.Mutex
	view      map[string]string // frozen; replaced wholesale on mutation
	path      string
	aead      cipher.AEAD
	audit     *prelog.Logger
	protected map[string]bool
}

// New opens (or creates) the guarded store at path. The AES-256-GCM key is
// derived from masterKey via HKDF so config secrets never share a raw key
// with anything else.
func New(masterKey []byte, path string, audit *prelog.Logger) (*Guard, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("configguard: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("configguard: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("configguard: gcm: %w", err)
	}

	g := &Guard{
		path:      path,
		aead:      aead,
		audit:     audit,
		protected: ProtectedKeys,
	}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

// Protect adds extra keys to the protected set.
func (g *Guard) Protect(keys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	extended := make(map[string]bool, len(g.protected)+len(keys))
	for k := range g.protected {
		extended[k] = true
	}
	for _, k := range keys {
		extended[k] = true
	}
	g.protected = extended
}

// IsProtected reports whether key is in the protected set.
func (g *Guard) IsProtected(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.protected[key]
}

// Get reads a value from the frozen view.
func (g *Guard) Get(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.view[key]
	return v, ok
}

// Snapshot returns a copy of the current frozen view.
func (g *Guard) Snapshot() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.view))
	for k, v := range g.view {
		out[k] = v
	}
	return out
}

// Set changes a key. For protected keys the reason must be non-empty and
// the chain entry commits before the value flips; a failed commit or a
// failed persist leaves the old view standing.
func (g *Guard) Set(ctx context.Context, key, value, reason, actor string) error {
	g.mu.Lock()
	isProtected := g.protected[key]
	old := g.view[key]
	g.mu.Unlock()

	if isProtected && reason == "" {
		if g.audit != nil {
			g.audit.Post(webhook.ChannelFileChanges, prelog.Event{
				Kind: "config_refused", Actor: actor,
				Detail: map[string]any{"key": key, "why": "protected key requires a reason"},
			})
		}
		return fault.New(fault.KindConfigRefused, "protected key %q requires a non-empty reason", key)
	}

	oldHash := valueHash(old)
	newHash := valueHash(value)

	if g.audit != nil {
		// The chain must hold the change before the value materializes.
		if _, err := g.audit.Pre(ctx, webhook.ChannelFileChanges, prelog.Event{
			Kind: "config_change", Actor: actor,
			Detail: map[string]any{
				"key":      key,
				"old_hash": oldHash,
				"new_hash": newHash,
				"reason":   reason,
			},
		}); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	next := make(map[string]string, len(g.view)+1)
	for k, v := range g.view {
		next[k] = v
	}
	next[key] = value

	if err := g.persist(next); err != nil {
		// Roll back: the old frozen view stays; the chain shows an intent
		// that never materialized.
		return fault.Wrap(fault.KindFatal, err, "config persist failed, change rolled back")
	}

	g.view = next
	return nil
}

func valueHash(v string) string {
	if v == "" {
		return "empty"
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func (g *Guard) load() error {
	raw, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		g.view = map[string]string{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("configguard: read store: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("configguard: parse store: %w", err)
	}

	view := make(map[string]string, len(f.Plain)+len(f.Encrypted))
	for k, v := range f.Plain {
		view[k] = v
	}
	for k, enc := range f.Encrypted {
		plain, err := g.decrypt(enc)
		if err != nil {
			return fmt.Errorf("configguard: decrypt %q: %w", k, err)
		}
		view[k] = plain
	}
	g.view = view
	return nil
}

// persist writes the store file. Caller holds g.mu.
func (g *Guard) persist(view map[string]string) error {
	f := storeFile{Plain: map[string]string{}, Encrypted: map[string]string{}}
	for k, v := range view {
		if g.protected[k] {
			enc, err := g.encrypt(v)
			if err != nil {
				return err
			}
			f.Encrypted[k] = enc
		} else {
			f.Plain[k] = v
		}
	}

	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0o700); err != nil {
		return err
	}

	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, g.path)
}

func (g *Guard) encrypt(plain string) (string, error) {
	nonce := make([]byte, g.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := g.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (g *Guard) decrypt(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	ns := g.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plain, err := g.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
