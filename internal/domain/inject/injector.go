package inject

import (
	"context"
	"encoding/base64"

	"github.com/bytedance/sonic"

	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/logging"
	"antigravity-manager/internal/platform/storage"
)

// Credentials is everything injection needs from the active account.
type Credentials struct {
	Name         string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiryUnix   int64
}

type authStatus struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	APIKey string `json:"apiKey"`
}

// AuthStatus is the signed-in identity the IDE reports. The api key stays
// in the state database and is never exposed here.
type AuthStatus struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Injector writes account credentials into the IDE state database in
// whichever format the installed version reads.
type Injector struct {
	state   *storage.StateDB
	version string
	logger  *logging.Logger
}

func NewInjector(state *storage.StateDB, version string, logger *logging.Logger) *Injector {
	return &Injector{state: state, version: version, logger: logger}
}

// Resolve picks the injection format. A parseable IDE version decides by
// itself; the state database is consulted only when the version is unknown.
func (i *Injector) Resolve() (Format, error) {
	if format, ok := FormatFromVersion(i.version); ok {
		return format, nil
	}
	hasUnified, err := i.state.Has(UnifiedTokenKey)
	if err != nil {
		return "", errors.Wrap(errors.KindInject, "inject.resolve", "probe unified key", err)
	}
	hasLegacy, err := i.state.Has(LegacyStateKey)
	if err != nil {
		return "", errors.Wrap(errors.KindInject, "inject.resolve", "probe legacy key", err)
	}
	return ResolveFormat(i.version, hasUnified, hasLegacy), nil
}

// CurrentAuthStatus reads which account the IDE believes is signed in.
// Nil without error means no one is signed in.
func (i *Injector) CurrentAuthStatus() (*AuthStatus, error) {
	raw, ok, err := i.state.Get(AuthStatusKey)
	if err != nil {
		return nil, errors.Wrap(errors.KindInject, "inject.auth_status", "read auth status", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var status authStatus
	if err := sonic.UnmarshalString(raw, &status); err != nil {
		return nil, errors.Wrap(errors.KindInject, "inject.auth_status", "parse auth status", err)
	}
	if status.Email == "" {
		return nil, nil
	}
	return &AuthStatus{Name: status.Name, Email: status.Email}, nil
}

// Inject writes the credentials and auth status, returning the format used.
// In dual mode one side may fail as long as the other lands; the failed side
// is logged.
func (i *Injector) Inject(ctx context.Context, creds Credentials) (Format, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(errors.KindInject, "inject", "context cancelled", err)
	}
	if creds.AccessToken == "" || creds.RefreshToken == "" {
		return "", errors.New(errors.KindInject, "inject", "account has no usable token")
	}

	format, err := i.Resolve()
	if err != nil {
		return "", err
	}

	switch format {
	case FormatUnified:
		if err := i.injectUnified(creds); err != nil {
			return format, err
		}
	case FormatLegacy:
		if err := i.injectLegacy(creds); err != nil {
			return format, err
		}
	case FormatDual:
		errUnified := i.injectUnified(creds)
		errLegacy := i.injectLegacy(creds)
		if errUnified != nil && errLegacy != nil {
			return format, errors.Wrap(errors.KindInject, "inject.dual",
				"both formats failed (legacy: "+errLegacy.Error()+")", errUnified)
		}
		if errUnified != nil {
			i.logger.WarnTag("inject", "dual mode: unified write failed, legacy landed: %v", errUnified)
		}
		if errLegacy != nil {
			i.logger.WarnTag("inject", "dual mode: legacy write failed, unified landed: %v", errLegacy)
		}
	}

	if err := i.writeAuthStatus(creds); err != nil {
		return format, err
	}
	i.logger.InfoTag("inject", "credentials injected for %s (%s format)", creds.Email, format)
	return format, nil
}

func (i *Injector) injectUnified(creds Credentials) error {
	value := EncodeUnifiedToken(creds.AccessToken, creds.RefreshToken, creds.ExpiryUnix)
	if err := i.state.Set(UnifiedTokenKey, value); err != nil {
		return errors.Wrap(errors.KindInject, "inject.unified", "write unified token", err)
	}
	if err := i.state.Set(OnboardingKey, "true"); err != nil {
		return errors.Wrap(errors.KindInject, "inject.unified", "write onboarding flag", err)
	}
	// The stale per-session record shadows the injected token if left behind.
	if err := i.state.Delete(LegacySessionKey); err != nil {
		return errors.Wrap(errors.KindInject, "inject.unified", "delete session record", err)
	}
	return nil
}

func (i *Injector) injectLegacy(creds Credentials) error {
	encoded, ok, err := i.state.Get(LegacyStateKey)
	if err != nil {
		return errors.Wrap(errors.KindInject, "inject.legacy", "read init blob", err)
	}
	if !ok {
		// No blob to splice into. The auth status alone is enough for the
		// IDE to offer a re-login with the right account.
		i.logger.WarnTag("inject", "legacy init blob missing, writing auth status only")
		return nil
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.Wrap(errors.KindInject, "inject.legacy", "decode init blob", err)
	}
	spliced, err := spliceOAuthField(blob, encodeOAuthInfo(creds.AccessToken, creds.RefreshToken, creds.ExpiryUnix))
	if err != nil {
		return err
	}
	if err := i.state.Set(LegacyStateKey, base64.StdEncoding.EncodeToString(spliced)); err != nil {
		return errors.Wrap(errors.KindInject, "inject.legacy", "write init blob", err)
	}
	return nil
}

func (i *Injector) writeAuthStatus(creds Credentials) error {
	name := creds.Name
	if name == "" {
		name = creds.Email
	}
	status, err := sonic.MarshalString(authStatus{Name: name, Email: creds.Email, APIKey: creds.AccessToken})
	if err != nil {
		return errors.Wrap(errors.KindInject, "inject.status", "marshal auth status", err)
	}
	if err := i.state.Set(AuthStatusKey, status); err != nil {
		return errors.Wrap(errors.KindInject, "inject.status", "write auth status", err)
	}
	return nil
}
