package gateway

import (
	"context"

	"chatgate/logger"
	errs "chatgate/tools/errs"
	"chatgate/tools/security"
)

// Identity is the resolved actor behind a connection.
type Identity struct {
	UserID   string
	UserName string
}

// Authenticator is the external identity collaborator: it validates a bearer
// token and returns who the caller is, or fails.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// JWTAuthenticator verifies HMAC-signed bearer tokens locally. Deployments
// that delegate to a remote identity service implement Authenticator over
// its client instead.
type JWTAuthenticator struct {
	opts security.Options
}

func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{opts: security.DefaultOptions(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, errs.ErrAuthenticationRequired.WrapMsg("missing credentials")
	}
	claims, err := security.Verify(a.opts, token)
	if err != nil {
		// Log the hash, never the raw credential.
		logger.Infof("[gateway] token rejected token=%s err=%v", security.HashToken(token), err)
		return nil, errs.ErrAuthenticationRequired.WrapMsg("invalid or expired token")
	}
	sub := claims.Subject()
	if sub == "" {
		return nil, errs.ErrAuthenticationRequired.WrapMsg("token has no subject")
	}
	return &Identity{UserID: sub, UserName: claims.Name()}, nil
}
