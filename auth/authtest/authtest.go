// Package authtest provides an in-memory Authenticator for tests.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-tenant-gateway/auth"
)

// StaticAuth maps literal tokens to user ids.
type StaticAuth struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticAuth creates an authenticator accepting the given token to user id pairs.
func NewStaticAuth(tokens map[string]string) *StaticAuth {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticAuth{tokens: cp}
}

// Add registers another accepted token.
func (s *StaticAuth) Add(token, userID string) {
	s.mu.Lock()
	s.tokens[token] = userID
	s.mu.Unlock()
}

// CheckAuthentication implements auth.Authenticator.
func (s *StaticAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.RLock()
	userID, ok := s.tokens[tok]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return staticUserInfo{userID: userID}, nil
}

type staticUserInfo struct {
	userID string
}

func (u staticUserInfo) UserID() string { return u.userID }

func (u staticUserInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"u": u.userID})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*StaticAuth)(nil)
