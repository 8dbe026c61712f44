package service

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/pkg/logger"
)

// errInvalidCredentials deliberately does not say which part failed.
func errInvalidCredentials() error {
	return apperrors.Unauthorized("INVALID_CREDENTIALS", "invalid login or password")
}

// Authenticate resolves a login against the head's login index and
// verifies the password against the credentials table. Disabled users
// cannot log in. Returns the user's static id.
func (s *RepoService) Authenticate(ctx context.Context, login, password string) (string, error) {
	t, err := s.loadHead(ctx)
	if err != nil {
		return "", err
	}
	user := t.LoginIndex().Find(login)
	if user == nil {
		return "", errInvalidCredentials()
	}
	if enabled, _ := user.Field("enabled"); enabled != "true" {
		logger.Warn("login attempt on disabled user", zap.String("login", login))
		return "", errInvalidCredentials()
	}

	hash, err := s.store.CredentialHash(ctx, user.StaticID())
	if err != nil {
		if _, ok := apperrors.IsNotFound(err); ok {
			return "", errInvalidCredentials()
		}
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", errInvalidCredentials()
	}
	return user.StaticID(), nil
}

// LicenseByToken resolves a stored computer-id token to its license.
func (s *RepoService) LicenseByToken(ctx context.Context, token string) (string, error) {
	return s.store.FindLicenseByToken(ctx, token)
}
