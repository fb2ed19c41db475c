// Package fingerprint decides whether incoming work is new, a duplicate of a
// complete canonical result, or an upgrade of an incomplete one.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"readings-service/internal/entity"
)

// MaxBatch caps a single batch dedup query.
const MaxBatch = 500

// DefaultCritical are the fields a reading needs before its result counts
// as complete.
var DefaultCritical = []string{"device_id", "observed_at", "readings"}

// Compute returns the content fingerprint of an input payload.
func Compute(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Normalize lower-cases and trims a producer-supplied fingerprint and checks
// that it looks like a hex digest.
func Normalize(fp string) (string, error) {
	fp = strings.ToLower(strings.TrimSpace(fp))
	if len(fp) < 32 || len(fp) > 128 {
		return "", fmt.Errorf("%w: fingerprint must be a 32-128 char hex digest", entity.ErrInvalidInput)
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", fmt.Errorf("%w: fingerprint is not hex", entity.ErrInvalidInput)
	}
	return fp, nil
}

type Verdict string

const (
	VerdictNew       Verdict = "new"
	VerdictDuplicate Verdict = "duplicate"
	VerdictUpgrade   Verdict = "upgrade"
)

// Classify maps an index lookup to a verdict. A nil record means unseen.
func Classify(rec *entity.FingerprintRecord) Verdict {
	switch {
	case rec == nil:
		return VerdictNew
	case rec.Complete:
		return VerdictDuplicate
	default:
		return VerdictUpgrade
	}
}

// Plan is what a job should do about its fingerprint.
type Plan struct {
	Verdict Verdict
	// Extract is false only for a duplicate without forceReanalysis.
	Extract bool
	// Canonical is the existing result id to reuse or overwrite in place;
	// empty when no record exists.
	Canonical string
}

func PlanFor(rec *entity.FingerprintRecord, force bool) Plan {
	v := Classify(rec)
	p := Plan{Verdict: v, Extract: true}
	if rec != nil {
		p.Canonical = rec.ResultRef
	}
	if v == VerdictDuplicate && !force {
		p.Extract = false
	}
	return p
}

// Partition is the answer to a batch dedup query.
type Partition struct {
	Duplicates []string `json:"duplicates"`
	Upgrades   []string `json:"upgrades"`
	Unseen     []string `json:"unseen"`
}

// Split partitions fingerprints using records already fetched in one round
// trip. Input order is kept and repeated fingerprints are reported once.
func Split(fps []string, records map[string]entity.FingerprintRecord) Partition {
	out := Partition{Duplicates: []string{}, Upgrades: []string{}, Unseen: []string{}}
	seen := make(map[string]struct{}, len(fps))
	for _, fp := range fps {
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		var rec *entity.FingerprintRecord
		if r, ok := records[fp]; ok {
			rec = &r
		}
		switch Classify(rec) {
		case VerdictDuplicate:
			out.Duplicates = append(out.Duplicates, fp)
		case VerdictUpgrade:
			out.Upgrades = append(out.Upgrades, fp)
		default:
			out.Unseen = append(out.Unseen, fp)
		}
	}
	return out
}

// Missing lists the critical fields that are absent or empty in fields.
func Missing(fields json.RawMessage, critical []string) []string {
	var m map[string]any
	if len(fields) > 0 {
		_ = json.Unmarshal(fields, &m)
	}
	var missing []string
	for _, name := range critical {
		if !present(m[name]) {
			missing = append(missing, name)
		}
	}
	return missing
}

func IsComplete(fields json.RawMessage, critical []string) bool {
	return len(Missing(fields, critical)) == 0
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// Merge overlays next onto prev: fields present in next win, fields only in
// prev are kept. An upgrade or forced re-analysis therefore never makes a
// canonical record less complete.
func Merge(prev, next json.RawMessage) (json.RawMessage, error) {
	if len(prev) == 0 {
		return next, nil
	}
	var base, over map[string]any
	if err := json.Unmarshal(prev, &base); err != nil {
		return nil, fmt.Errorf("decode previous fields: %w", err)
	}
	if err := json.Unmarshal(next, &over); err != nil {
		return nil, fmt.Errorf("decode new fields: %w", err)
	}
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range over {
		if present(v) {
			base[k] = v
		}
	}
	return json.Marshal(base)
}
