package receipt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentd/pkg/types"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"b": 1, "a": 2, "c": map[string]int{"z": 1, "y": 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(a))
}

func TestSpecHashDeterministic(t *testing.T) {
	spec1 := map[string]interface{}{
		"goal":                "ship feature",
		"acceptance_criteria": []string{"tests pass", "docs updated"},
	}
	spec2 := map[string]interface{}{
		"acceptance_criteria": []string{"tests pass", "docs updated"},
		"goal":                "ship feature",
	}

	h1, err := ComputeSpecHash(spec1)
	require.NoError(t, err)
	h2, err := ComputeSpecHash(spec2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "key order must not change the hash")
	assert.Len(t, h1, 64)

	spec2["goal"] = "ship other feature"
	h3, err := ComputeSpecHash(spec2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestKeyBootstrapPermissions(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "receipt.key")

	s1, err := NewSigner(keyPath)
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Reloading uses the same key: receipts keep verifying.
	r, err := s1.CreateReceipt(Params{TaskID: "t1", Verdict: types.VerdictAccepted})
	require.NoError(t, err)

	s2, err := NewSigner(keyPath)
	require.NoError(t, err)
	assert.True(t, s2.VerifyReceipt(r))
}

func TestReceiptRoundTrip(t *testing.T) {
	s := NewSignerWithKey([]byte("test-key"))

	hash, err := ComputeSpecHash(map[string]string{"goal": "x"})
	require.NoError(t, err)

	r, err := s.CreateReceipt(Params{
		TaskID:             "t1",
		HandoffID:          "h1",
		Delegator:          "alice",
		Delegatee:          "bob",
		SpecHash:           hash,
		Verdict:            types.VerdictAccepted,
		Method:             "auto-acceptance",
		VerificationMethod: "auto-test",
		Artifacts:          []string{"result.json"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.NotEmpty(t, r.Signature)
	assert.True(t, s.VerifyReceipt(r))
}

func TestTamperedFieldFailsVerification(t *testing.T) {
	s := NewSignerWithKey([]byte("test-key"))
	base := Params{
		TaskID: "t1", HandoffID: "h1", Delegator: "alice", Delegatee: "bob",
		SpecHash: "abc", Verdict: types.VerdictAccepted,
		Method: "auto-acceptance", VerificationMethod: "auto-test",
	}

	mutations := []struct {
		name   string
		mutate func(*types.VerificationReceipt)
	}{
		{"verdict", func(r *types.VerificationReceipt) { r.Verdict = types.VerdictRejected }},
		{"taskId", func(r *types.VerificationReceipt) { r.TaskID = "t2" }},
		{"delegatee", func(r *types.VerificationReceipt) { r.Delegatee = "mallory" }},
		{"specHash", func(r *types.VerificationReceipt) { r.SpecHash = r.SpecHash + "0" }},
		{"timestamp", func(r *types.VerificationReceipt) { r.Timestamp = "2020-01-01T00:00:00Z" }},
		{"signature", func(r *types.VerificationReceipt) { r.Signature = "00" + r.Signature[2:] }},
		{"artifacts", func(r *types.VerificationReceipt) { r.Artifacts = []string{"sneaky.json"} }},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			r, err := s.CreateReceipt(base)
			require.NoError(t, err)
			require.True(t, s.VerifyReceipt(r))
			m.mutate(r)
			assert.False(t, s.VerifyReceipt(r))
		})
	}
}

func TestWrongKeyFailsVerification(t *testing.T) {
	s1 := NewSignerWithKey([]byte("key-one"))
	s2 := NewSignerWithKey([]byte("key-two"))

	r, err := s1.CreateReceipt(Params{TaskID: "t1", Verdict: types.VerdictAccepted})
	require.NoError(t, err)
	assert.False(t, s2.VerifyReceipt(r))
}
