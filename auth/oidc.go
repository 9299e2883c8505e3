package auth

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/globals"
)

// AuthenticateOIDC verifies an OIDC ID token against the configured provider
// and returns the email claim, which is looked up against the user base by
// the caller. Returns an empty string if no matching provider is configured.
func AuthenticateOIDC(ctx context.Context, idToken, providerName string, cfg *config.Config) (string, error) {
	if idToken == "" || len(cfg.OIDCConfigs) == 0 {
		return "", nil
	}
	var oidcConf *config.OIDCConfig
	for i := range cfg.OIDCConfigs {
		if cfg.OIDCConfigs[i].Name == providerName {
			oidcConf = &cfg.OIDCConfigs[i]
			break
		}
	}
	if oidcConf == nil {
		globals.AppLogger.Debug("no oidc config found for provider", "provider", providerName)
		return "", nil
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return "", err
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	verifiedIdToken, err := provider.Verifier(&conf).Verify(ctx, idToken)
	if err != nil {
		return "", err
	}
	claims := struct {
		Email string `json:"email"`
	}{}
	if err := verifiedIdToken.Claims(&claims); err != nil {
		return "", err
	}
	return claims.Email, nil
}
