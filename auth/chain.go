package auth

import (
	"context"
	"errors"
	"fmt"
)

// Chain tries each Authenticator in order and returns the first success.
// Unauthorized results fall through; any other error stops the chain.
type Chain []Authenticator

// CheckAuthentication implements Authenticator.
func (c Chain) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	var errs []error
	for _, a := range c {
		info, err := a.CheckAuthentication(ctx, tok)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no authenticators configured", ErrUnauthorized)
	}
	return nil, errors.Join(errs...)
}

var _ Authenticator = Chain(nil)
