package daemon

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/agentctl/agentd/pkg/types"
)

// MintToken creates (or replaces) the shared secret for an account at
// <tokens>/<name>.token with owner-only permissions, returning it.
func MintToken(tokensDir, account string) (string, error) {
	if !types.AccountNamePattern.MatchString(account) {
		return "", Errf(KindValidation, "invalid account name %q", account)
	}
	if err := os.MkdirAll(tokensDir, 0o700); err != nil {
		return "", fmt.Errorf("creating tokens directory: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(raw)

	path := tokensDir + string(os.PathSeparator) + account + ".token"
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing token file: %w", err)
	}
	return token, nil
}

// VerifyToken checks a presented token against the stored secret in
// constant time. Unknown accounts, bad names, and mismatches all
// return false.
func VerifyToken(tokensDir, account, token string) bool {
	if !types.AccountNamePattern.MatchString(account) {
		return false
	}
	data, err := os.ReadFile(tokensDir + string(os.PathSeparator) + account + ".token")
	if err != nil {
		return false
	}
	stored := strings.TrimSpace(string(data))
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1
}
