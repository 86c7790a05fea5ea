// Package supplychain verifies external artifacts before they are loaded:
// origin allowlisting, checksum matching, typosquat detection against a
// protected-name list, integrity-manifest recomputation, and optional
// detached signature verification.
package supplychain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/helixos/helix/pkg/fault"
)

// TyposquatThreshold is the similarity at which a package name is flagged
// as squatting on a protected name.
const TyposquatThreshold = 0.7

var checksumRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Artifact describes one external artifact to verify.
type Artifact struct {
	Name      string `json:"name"`
	OriginURL string `json:"origin_url"`
	Checksum  string `json:"checksum"` // 64-hex SHA-256 of the payload
}

// Verifier holds the deployment's trust configuration.
type Verifier struct {
	trustedOrigins []string
	protectedNames []string
	signingKey     ed25519.PublicKey
}

// NewVerifier creates a verifier. signingKey may be nil when detached
// signatures are not in use.
func NewVerifier(trustedOrigins, protectedNames []string, signingKey ed25519.PublicKey) *Verifier {
	return &Verifier{
		trustedOrigins: trustedOrigins,
		protectedNames: protectedNames,
		signingKey:     signingKey,
	}
}

// Verify runs every applicable check against the artifact and its payload.
func (v *Verifier) Verify(a Artifact, payload []byte) error {
	if err := v.CheckOrigin(a.OriginURL); err != nil {
		return err
	}
	if err := CheckChecksum(a.Checksum, payload); err != nil {
		return err
	}
	if name, sim := v.TyposquatMatch(a.Name); sim >= TyposquatThreshold {
		return fault.New(fault.KindIntegrityFailed,
			"package name %q is %.2f similar to protected name %q", a.Name, sim, name).
			WithDetail("similarity", sim)
	}
	return nil
}

// CheckOrigin enforces the trusted-origin allowlist.
func (v *Verifier) CheckOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return fault.New(fault.KindIntegrityFailed, "unparseable origin %q", origin)
	}
	host := strings.ToLower(u.Hostname())
	for _, trusted := range v.trustedOrigins {
		t := strings.ToLower(trusted)
		if host == t || strings.HasSuffix(host, "."+t) {
			return nil
		}
	}
	return fault.New(fault.KindIntegrityFailed, "origin %q is not on the allowlist", host)
}

// CheckChecksum requires a well-formed 64-hex SHA-256 checksum and matches
// it against the payload bytes.
func CheckChecksum(checksum string, payload []byte) error {
	if !checksumRe.MatchString(strings.ToLower(checksum)) {
		return fault.New(fault.KindIntegrityFailed, "checksum %q is not 64 hex characters", checksum)
	}
	sum := sha256.Sum256(payload)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), checksum) {
		return fault.New(fault.KindIntegrityFailed, "checksum mismatch")
	}
	return nil
}

// TyposquatMatch returns the most similar protected name and its
// similarity score.
func (v *Verifier) TyposquatMatch(name string) (string, float64) {
	var bestName string
	var best float64
	for _, p := range v.protectedNames {
		if s := Similarity(name, p); s > best {
			best = s
			bestName = p
		}
	}
	return bestName, best
}

// Similarity is 1 - levenshtein(a,b)/max(len(a),len(b)). Identical names
// score 1.0; a protected name itself is of course its own best match.
func Similarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			sub := prev[j-1]
			if ra[i-1] != rb[j-1] {
				sub++
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			m := sub
			if del < m {
				m = del
			}
			if ins < m {
				m = ins
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// ManifestEntry is one file in a bundled integrity manifest.
type ManifestEntry struct {
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// ManifestHash computes the integrity digest over the sorted
// name → {checksum, size} mapping.
func ManifestHash(entries map[string]ManifestEntry) (string, error) {
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)

	ordered := make([]map[string]any, 0, len(entries))
	for _, n := range names {
		e := entries[n]
		ordered = append(ordered, map[string]any{
			"name":     n,
			"checksum": e.Checksum,
			"size":     e.Size,
		})
	}

	raw, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("supplychain: marshal manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("supplychain: canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyManifest recomputes the manifest hash and compares.
func VerifyManifest(entries map[string]ManifestEntry, expected string) error {
	got, err := ManifestHash(entries)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return fault.New(fault.KindIntegrityFailed, "manifest hash mismatch")
	}
	return nil
}

// VerifyDetachedSignature checks an Ed25519 signature over the payload.
func (v *Verifier) VerifyDetachedSignature(payload []byte, signatureHex string) error {
	if v.signingKey == nil {
		return fault.New(fault.KindIntegrityFailed, "no signing key configured")
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fault.New(fault.KindIntegrityFailed, "signature is not hex")
	}
	if !ed25519.Verify(v.signingKey, payload, sig) {
		return fault.New(fault.KindIntegrityFailed, "detached signature does not verify")
	}
	return nil
}
