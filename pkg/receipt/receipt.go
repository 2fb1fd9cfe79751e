// Package receipt signs and verifies non-repudiable verification
// receipts over deterministic spec hashes.
package receipt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/agentctl/agentd/pkg/types"
)

// CanonicalJSON serializes v deterministically: object keys sorted at
// every level, compact output. Two semantically equal values always
// hash identically.
func CanonicalJSON(v interface{}) ([]byte, error) {
	// Round-trip through interface{} so map ordering is ours to fix.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling for canonicalization: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshaling for canonicalization: %w", err)
	}
	var buf []byte
	return appendCanonical(buf, generic)
}

func appendCanonical(buf []byte, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			var err error
			buf, err = appendCanonical(buf, x[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	case []interface{}:
		buf = append(buf, '[')
		for i, e := range x {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, e)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	}
}

// ComputeSpecHash hashes the canonical JSON of v with SHA-256.
func ComputeSpecHash(v interface{}) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Signer signs and verifies receipts with a hub-local HMAC key.
type Signer struct {
	key []byte
}

// NewSigner loads the signing key from keyPath, creating it with
// owner-only permissions on first use.
func NewSigner(keyPath string) (*Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err == nil && len(key) > 0 {
		return &Signer{key: key}, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading receipt key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating receipt key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing receipt key: %w", err)
	}
	return &Signer{key: key}, nil
}

// NewSignerWithKey builds a signer over an explicit key (tests).
func NewSignerWithKey(key []byte) *Signer {
	return &Signer{key: key}
}

// Params carries everything a receipt attests to.
type Params struct {
	TaskID             string
	HandoffID          string
	Delegator          string
	Delegatee          string
	SpecHash           string
	Verdict            string
	Method             string
	VerificationMethod string
	Artifacts          []string
}

// signedFields builds the stable field set the signature covers.
// Artifacts are excluded when empty so older receipts verify.
func signedFields(r *types.VerificationReceipt) map[string]interface{} {
	fields := map[string]interface{}{
		"id":                 r.ID,
		"taskId":             r.TaskID,
		"handoffId":          r.HandoffID,
		"delegator":          r.Delegator,
		"delegatee":          r.Delegatee,
		"specHash":           r.SpecHash,
		"verdict":            r.Verdict,
		"method":             r.Method,
		"verificationMethod": r.VerificationMethod,
		"timestamp":          r.Timestamp,
	}
	if len(r.Artifacts) > 0 {
		fields["artifacts"] = r.Artifacts
	}
	return fields
}

func (s *Signer) sign(r *types.VerificationReceipt) (string, error) {
	data, err := CanonicalJSON(signedFields(r))
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// CreateReceipt populates and signs a receipt.
func (s *Signer) CreateReceipt(p Params) (*types.VerificationReceipt, error) {
	r := &types.VerificationReceipt{
		ID:                 uuid.New().String(),
		TaskID:             p.TaskID,
		HandoffID:          p.HandoffID,
		Delegator:          p.Delegator,
		Delegatee:          p.Delegatee,
		SpecHash:           p.SpecHash,
		Verdict:            p.Verdict,
		Method:             p.Method,
		VerificationMethod: p.VerificationMethod,
		Artifacts:          p.Artifacts,
		Timestamp:          types.Now(),
	}
	sig, err := s.sign(r)
	if err != nil {
		return nil, err
	}
	r.Signature = sig
	return r, nil
}

// VerifyReceipt recomputes the signature and compares in constant
// time. A mismatch returns false, never an error.
func (s *Signer) VerifyReceipt(r *types.VerificationReceipt) bool {
	expected, err := s.sign(r)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(r.Signature))
}
