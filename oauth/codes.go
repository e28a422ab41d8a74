package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/storage"
)

const codesNamespace = "oauth:codes"

// CodeChallengeMethodS256 is the only PKCE method accepted.
const CodeChallengeMethodS256 = "S256"

// AuthorizationCode is the server-side record of an issued code.
type AuthorizationCode struct {
	Code                string    `json:"-"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	State               string    `json:"state"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	TenantID            string    `json:"tenant_id"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// CodeStore records issued authorization codes until they are redeemed or
// expire.
type CodeStore struct {
	store storage.Storage
	now   func() time.Time
}

// NewCodeStore returns a CodeStore over store.
func NewCodeStore(store storage.Storage) *CodeStore {
	return &CodeStore{store: store, now: time.Now}
}

// codeKey keeps raw codes out of backend keys.
func codeKey(code string) string {
	h := sha256.Sum256([]byte(code))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Save records ac until its expiry.
func (s *CodeStore) Save(ctx context.Context, ac *AuthorizationCode) error {
	ttl := ac.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("authorization code already expired")
	}
	data, err := json.Marshal(ac)
	if err != nil {
		return fmt.Errorf("encode authorization code: %w", err)
	}
	if err := s.store.Set(ctx, codeKey(ac.Code), data, storage.WithNamespace(codesNamespace), storage.WithTTL(ttl)); err != nil {
		return fmt.Errorf("store authorization code: %w", err)
	}
	return nil
}

// Peek loads a code without redeeming it. A missing or expired code yields
// (nil, nil).
func (s *CodeStore) Peek(ctx context.Context, code string) (*AuthorizationCode, error) {
	item, err := s.store.Get(ctx, codeKey(code), storage.WithNamespace(codesNamespace))
	if err != nil {
		return nil, fmt.Errorf("load authorization code: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	return decodeCode(code, item.Data)
}

// Consume redeems code. check sees the stored record and the code is deleted
// only when it returns nil; the check error is returned as is otherwise. A
// code that is missing, expired or concurrently redeemed yields
// ErrInvalidGrant.
func (s *CodeStore) Consume(ctx context.Context, code string, check func(*AuthorizationCode) error) (*AuthorizationCode, error) {
	var ac *AuthorizationCode
	item, err := s.store.Consume(ctx, codeKey(code), func(item *storage.StorageItem) error {
		decoded, err := decodeCode(code, item.Data)
		if err != nil {
			return err
		}
		if err := check(decoded); err != nil {
			return err
		}
		ac = decoded
		return nil
	}, storage.WithNamespace(codesNamespace))
	switch {
	case errors.Is(err, storage.ErrConflict):
		return nil, ErrInvalidGrant.WithDescription("authorization code already used")
	case err != nil:
		return nil, err
	case item == nil:
		return nil, ErrInvalidGrant.WithDescription("authorization code is invalid, used or expired")
	}
	return ac, nil
}

func decodeCode(code string, data []byte) (*AuthorizationCode, error) {
	var ac AuthorizationCode
	if err := json.Unmarshal(data, &ac); err != nil {
		return nil, fmt.Errorf("decode authorization code: %w", err)
	}
	ac.Code = code
	return &ac, nil
}
