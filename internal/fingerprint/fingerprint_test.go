package fingerprint

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readings-service/internal/entity"
)

var critical = []string{"device_id", "observed_at", "readings"}

func TestCompute_StableHexDigest(t *testing.T) {
	a := Compute([]byte("photo"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Compute([]byte("photo")))
	assert.NotEqual(t, a, Compute([]byte("photo2")))

	n, err := Normalize("  " + strings.ToUpper(a) + " ")
	require.NoError(t, err)
	assert.Equal(t, a, n)
}

func TestNormalize_Rejects(t *testing.T) {
	for _, fp := range []string{"", "abc", strings.Repeat("z", 64), strings.Repeat("a", 130)} {
		_, err := Normalize(fp)
		assert.ErrorIs(t, err, entity.ErrInvalidInput, fp)
	}
}

func TestPlanFor(t *testing.T) {
	p := PlanFor(nil, false)
	assert.Equal(t, VerdictNew, p.Verdict)
	assert.True(t, p.Extract)
	assert.Empty(t, p.Canonical)

	done := &entity.FingerprintRecord{Fingerprint: "f", ResultRef: "r1", Complete: true}
	p = PlanFor(done, false)
	assert.Equal(t, VerdictDuplicate, p.Verdict)
	assert.False(t, p.Extract)
	assert.Equal(t, "r1", p.Canonical)

	p = PlanFor(done, true)
	assert.True(t, p.Extract, "forceReanalysis always extracts")
	assert.Equal(t, "r1", p.Canonical)

	partial := &entity.FingerprintRecord{Fingerprint: "f", ResultRef: "r2"}
	p = PlanFor(partial, false)
	assert.Equal(t, VerdictUpgrade, p.Verdict)
	assert.True(t, p.Extract)
	assert.Equal(t, "r2", p.Canonical)
}

func TestSplit(t *testing.T) {
	records := map[string]entity.FingerprintRecord{
		"dup": {Fingerprint: "dup", Complete: true},
		"up":  {Fingerprint: "up"},
	}
	got := Split([]string{"new", "dup", "up", "dup"}, records)
	assert.Equal(t, []string{"dup"}, got.Duplicates)
	assert.Equal(t, []string{"up"}, got.Upgrades)
	assert.Equal(t, []string{"new"}, got.Unseen)

	empty := Split(nil, nil)
	assert.NotNil(t, empty.Duplicates)
	assert.Empty(t, empty.Unseen)
}

func TestMissing(t *testing.T) {
	fields := json.RawMessage(`{"device_id":"m-1","observed_at":"  ","readings":[]}`)
	assert.Equal(t, []string{"observed_at", "readings"}, Missing(fields, critical))
	assert.False(t, IsComplete(fields, critical))

	full := json.RawMessage(`{"device_id":"m-1","observed_at":"t","readings":[{"name":"kwh","value":1}]}`)
	assert.Empty(t, Missing(full, critical))
	assert.True(t, IsComplete(full, critical))

	assert.Equal(t, critical, Missing(nil, critical))
}

func TestMerge_NeverDropsFields(t *testing.T) {
	prev := json.RawMessage(`{"device_id":"m-1","observed_at":"t1","notes":"old"}`)
	next := json.RawMessage(`{"observed_at":"t2","readings":[{"name":"kwh","value":2}],"notes":""}`)

	out, err := Merge(prev, next)
	require.NoError(t, err)
	assert.JSONEq(t, `{"device_id":"m-1","observed_at":"t2","notes":"old","readings":[{"name":"kwh","value":2}]}`, string(out))

	out, err = Merge(nil, next)
	require.NoError(t, err)
	assert.Equal(t, next, out)

	_, err = Merge(json.RawMessage(`{`), next)
	assert.Error(t, err)
}
