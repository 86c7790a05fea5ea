// Package skillguard screens bundled action packs before anything in them
// may execute. A manifest passes structural validation, a permission
// whitelist, a set of malware pattern screens, and (when signed) Ed25519
// verification over its canonical bytes. Anything less is rejected.
package skillguard

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/helixos/helix/pkg/fault"
	"github.com/helixos/helix/pkg/prelog"
	"github.com/helixos/helix/pkg/webhook"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manifest describes a skill bundle.
type Manifest struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Author        string   `json:"author"`
	Permissions   []string `json:"permissions"`
	Prerequisites []string `json:"prerequisites,omitempty"`
	Entry         string   `json:"entry"`
	Signature     string   `json:"signature,omitempty"`
}

// Status is a verification outcome.
type Status string

const (
	StatusTrusted  Status = "trusted"
	StatusRejected Status = "rejected"
)

// Verdict is the result of verifying one manifest.
type Verdict struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	// Pattern names the malware screen that fired, when one did.
	Pattern string `json:"pattern,omitempty"`
}

// dangerousPermissions may never appear in a manifest.
var dangerousPermissions = map[string]bool{
	"all":          true,
	"admin":        true,
	"root":         true,
	"process:kill": true,
}

var dangerousPermissionPrefixes = []string{"exec:", "shell:", "network:"}

// allowedPermissions is the whitelist a manifest may request. Anything
// outside it, dangerous or merely unknown, rejects the manifest.
var allowedPermissions = map[string]bool{
	"memory:read":    true,
	"memory:write":   true,
	"sessions:read":  true,
	"sessions:write": true,
	"files:read":     true,
	"calendar:read":  true,
	"email:read":     true,
	"notify:send":    true,
}

const manifestSchema = `{
	"type": "object",
	"required": ["name", "version", "author", "entry"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 128},
		"version": {"type": "string", "minLength": 1},
		"author": {"type": "string", "minLength": 1},
		"permissions": {"type": "array", "items": {"type": "string"}},
		"prerequisites": {"type": "array", "items": {"type": "string"}},
		"entry": {"type": "string", "minLength": 1},
		"signature": {"type": "string"}
	},
	"additionalProperties": false
}`

// The six malware screens. Text-only screens run first; the two
// origin-aware screens run last with trusted origins exempt.
var (
	actionVerbRe   = regexp.MustCompile(`(?i)\b(download|click|run|install manually)\b`)
	shellInjectRe  = regexp.MustCompile(`(?i)(curl[^|]*\|\s*(ba)?sh|bash\s+-c|sh\s+-c|wget[^|]*\|)`)
	obfuscationRe  = regexp.MustCompile(`(?i)(base64|\beval\b|\bdecode\b|reflect(ion)?\.)`)
	registryRe     = regexp.MustCompile(`(?i)(reg(edit|\.exe| add| delete)|HKEY_[A-Z_]+|defaults write)`)
	downloadableRe = regexp.MustCompile(`(?i)\.(zip|dmg|exe|msi|pkg)\b`)
)

// trustedOriginHosts are exempt from the untrusted-url and
// suspicious-download screens.
var trustedOriginHosts = []string{"github.com", "raw.githubusercontent.com", "npmjs.com", "registry.npmjs.org"}

var urlRe = regexp.MustCompile(`(?i)https?://([a-z0-9.-]+)`)

// Verifier screens manifests. Results are cached by content hash: a
// manifest's verdict never changes for the same bytes and key.
type Verifier struct {
	pubKey ed25519.PublicKey
	audit  *prelog.Logger
	schema *jsonschema.Schema

	mu    sync.Mutex
	cache map[string]Verdict
}

// NewVerifier creates a verifier. pubKey may be nil when unsigned manifests
// are acceptable; audit may be nil in tests.
func NewVerifier(pubKey ed25519.PublicKey, audit *prelog.Logger) *Verifier {
	schema := jsonschema.MustCompileString("manifest.json", manifestSchema)
	return &Verifier{pubKey: pubKey, audit: audit, schema: schema, cache: make(map[string]Verdict)}
}

// Verify screens raw manifest bytes and returns the verdict. A rejection is
// also pre-logged to the alerts channel: the refusal itself is a
// consequential fact.
func (v *Verifier) Verify(raw []byte) (Manifest, Verdict, error) {
	var m Manifest

	key := contentKey(raw)
	v.mu.Lock()
	if cached, ok := v.cache[key]; ok {
		v.mu.Unlock()
		_ = json.Unmarshal(raw, &m)
		return m, cached, nil
	}
	v.mu.Unlock()

	verdict := v.screen(raw, &m)

	v.mu.Lock()
	v.cache[key] = verdict
	v.mu.Unlock()

	if verdict.Status == StatusRejected {
		v.alert(m, verdict)
		return m, verdict, fault.New(fault.KindIntegrityFailed, "manifest rejected: %s", verdict.Reason).
			WithDetail("pattern", verdict.Pattern)
	}
	return m, verdict, nil
}

func (v *Verifier) screen(raw []byte, m *Manifest) Verdict {
	// Structural validation against the schema, then a typed decode.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Verdict{Status: StatusRejected, Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := v.schema.Validate(generic); err != nil {
		return Verdict{Status: StatusRejected, Reason: fmt.Sprintf("schema violation: %v", err)}
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return Verdict{Status: StatusRejected, Reason: fmt.Sprintf("decode failed: %v", err)}
	}

	if _, err := semver.NewVersion(m.Version); err != nil {
		return Verdict{Status: StatusRejected, Reason: fmt.Sprintf("version %q is not semver", m.Version)}
	}

	for _, p := range m.Permissions {
		if isDangerousPermission(p) {
			return Verdict{Status: StatusRejected, Reason: fmt.Sprintf("dangerous permission %q", p), Pattern: "dangerous-permission"}
		}
		if !allowedPermissions[strings.ToLower(strings.TrimSpace(p))] {
			return Verdict{Status: StatusRejected, Reason: fmt.Sprintf("unknown permission %q", p), Pattern: "unknown-permission"}
		}
	}

	// Pattern screens over prerequisites and free-text metadata.
	texts := make([]string, 0, len(m.Prerequisites)+2)
	texts = append(texts, m.Prerequisites...)
	texts = append(texts, m.Entry, m.Author)
	for _, text := range texts {
		if name := matchScreen(text); name != "" {
			return Verdict{Status: StatusRejected, Reason: fmt.Sprintf("matched %s screen: %q", name, text), Pattern: name}
		}
	}

	if m.Signature != "" {
		if err := v.verifySignature(*m); err != nil {
			return Verdict{Status: StatusRejected, Reason: err.Error(), Pattern: "bad-signature"}
		}
	}

	return Verdict{Status: StatusTrusted}
}

func isDangerousPermission(p string) bool {
	p = strings.ToLower(strings.TrimSpace(p))
	if dangerousPermissions[p] {
		return true
	}
	for _, prefix := range dangerousPermissionPrefixes {
		if strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, ":") {
			return true
		}
	}
	return false
}

// matchScreen returns the name of the first screen the text trips, with
// trusted origins exempt from the URL-based screens.
func matchScreen(text string) string {
	switch {
	case actionVerbRe.MatchString(text):
		return "action-verb-prerequisite"
	case shellInjectRe.MatchString(text):
		return "shell-injection"
	case obfuscationRe.MatchString(text):
		return "obfuscation"
	case registryRe.MatchString(text):
		return "registry-manipulation"
	}

	hasURL := urlRe.MatchString(text)
	if hasURL && !urlIsTrusted(text) {
		if downloadableRe.MatchString(text) {
			return "suspicious-download"
		}
		return "untrusted-url"
	}
	return ""
}

// urlIsTrusted reports whether every URL in the text points at a trusted
// origin. Text with no URL at all is trivially trusted for URL screens.
func urlIsTrusted(text string) bool {
	matches := urlRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return true
	}
	for _, m := range matches {
		host := strings.ToLower(m[1])
		ok := false
		for _, t := range trustedOriginHosts {
			if host == t || strings.HasSuffix(host, "."+t) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// verifySignature checks the Ed25519 signature over the canonical manifest
// bytes with the signature field removed.
func (v *Verifier) verifySignature(m Manifest) error {
	if v.pubKey == nil {
		return fmt.Errorf("signed manifest but no public key configured")
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("signature is not hex: %v", err)
	}

	signed, err := SigningBytes(m)
	if err != nil {
		return err
	}
	if !ed25519.Verify(v.pubKey, signed, sig) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

// SigningBytes returns the canonical bytes a manifest signature covers:
// the manifest with an empty signature field, RFC 8785 canonicalized.
func SigningBytes(m Manifest) ([]byte, error) {
	m.Signature = ""
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("skillguard: marshal for signing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("skillguard: canonicalize for signing: %w", err)
	}
	return canonical, nil
}

// Sign produces a hex Ed25519 signature for a manifest. Used by pack
// tooling and tests.
func Sign(priv ed25519.PrivateKey, m Manifest) (string, error) {
	signed, err := SigningBytes(m)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, signed)), nil
}

func contentKey(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (v *Verifier) alert(m Manifest, verdict Verdict) {
	if v.audit == nil {
		return
	}
	v.audit.Post(webhook.ChannelAlerts, prelog.Event{
		Kind:  "skill_rejected",
		Actor: m.Author,
		Detail: map[string]any{
			"name":    m.Name,
			"version": m.Version,
			"reason":  verdict.Reason,
			"pattern": verdict.Pattern,
		},
	})
}
