package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// PasswordFileAuthenticator checks CONNECT username/password against a flat
// file of "username:bcrypt_hash" lines — the reference implementation named
// in the DOMAIN STACK supplement for golang.org/x/crypto. It does not
// support MQTT v5.0 enhanced authentication (AuthenticationMethod set);
// those CONNECTs are rejected, same as AllowAll.
type PasswordFileAuthenticator struct {
	mu     sync.RWMutex
	hashes map[string][]byte // username -> bcrypt hash
}

// LoadPasswordFile reads a credentials file and returns an Authenticator
// backed by it. Each non-empty, non-comment ('#') line must be
// "username:bcrypt_hash".
func LoadPasswordFile(path string) (*PasswordFileAuthenticator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("auth: open password file: %w", err)
	}
	defer f.Close()

	hashes := make(map[string][]byte)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("auth: password file %s line %d: expected 'username:hash'", path, lineNo)
		}
		hashes[user] = []byte(hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("auth: read password file: %w", err)
	}
	return &PasswordFileAuthenticator{hashes: hashes}, nil
}

// Authorize implements Authenticator.
func (a *PasswordFileAuthenticator) Authorize(req ConnectRequest) Decision {
	if req.AuthenticationMethod != "" {
		return Decision{Verdict: Reject, ReasonCode: ReasonBadAuthenticationMethod}
	}

	a.mu.RLock()
	hash, ok := a.hashes[req.Username]
	a.mu.RUnlock()
	if !ok {
		return Decision{Verdict: Reject, ReasonCode: ReasonBadUsernameOrPassword}
	}

	if err := bcrypt.CompareHashAndPassword(hash, req.Password); err != nil {
		return Decision{Verdict: Reject, ReasonCode: ReasonBadUsernameOrPassword}
	}
	return Decision{Verdict: Allow}
}

// SetPassword hashes password with bcrypt's default cost and stores it for
// username, for programmatic credential management without restarting the
// broker to reload the file.
func (a *PasswordFileAuthenticator) SetPassword(username string, password []byte) error {
	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hashes == nil {
		a.hashes = make(map[string][]byte)
	}
	a.hashes[username] = hash
	return nil
}
