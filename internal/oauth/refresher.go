// Package oauth refreshes and persists the token pair for the
// third-party storage provider. Refreshing invalidates the previous
// refresh token, so the stage that drives this runs at concurrency 1.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"gorm.io/gorm"

	"lecturepipe/internal/crypto"
	"lecturepipe/internal/models"
)

// ErrNoCredential means no token pair has been seeded for the provider.
var ErrNoCredential = errors.New("no stored credential for provider")

// Refresher exchanges a stored refresh token for a fresh pair.
type Refresher struct {
	db           *gorm.DB
	http         *resty.Client
	tokenURL     string
	clientID     string
	clientSecret string

	// now is injectable so staleness windows are testable with a mocked
	// clock.
	now func() time.Time
}

// NewRefresher creates a refresher for the provider token endpoint.
func NewRefresher(db *gorm.DB, tokenURL, clientID, clientSecret string) *Refresher {
	return &Refresher{
		db:           db,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
		http: resty.New().
			SetTimeout(60 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
			}),
	}
}

// SetClock overrides the clock (tests only).
func (r *Refresher) SetClock(now func() time.Time) {
	r.now = now
}

// SetTokenURL overrides the provider endpoint (tests only).
func (r *Refresher) SetTokenURL(url string) {
	r.tokenURL = url
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Seed stores an initial token pair for a provider, encrypting both
// tokens at rest. Used when an operator first authorizes the app.
func (r *Refresher) Seed(provider, accessToken, refreshToken string) error {
	accessEnc, err := crypto.EncryptToken(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := crypto.EncryptToken(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	now := r.now()
	var cred models.OAuthCredential
	err = r.db.Where("provider = ?", provider).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cred = models.OAuthCredential{Provider: provider}
	} else if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	cred.AccessTokenEnc = accessEnc
	cred.RefreshTokenEnc = refreshEnc
	cred.LastRefreshedAt = &now
	return r.db.Save(&cred).Error
}

// Refresh exchanges the stored refresh token for a new pair and
// persists it. Must never run concurrently for the same provider: the
// provider invalidates the old refresh token on success.
func (r *Refresher) Refresh(ctx context.Context, provider string) error {
	var cred models.OAuthCredential
	if err := r.db.Where("provider = ?", provider).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNoCredential, provider)
		}
		return fmt.Errorf("failed to load credential: %w", err)
	}

	refreshToken, err := crypto.DecryptToken(cred.RefreshTokenEnc)
	if err != nil {
		return fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	var tokens tokenResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     r.clientID,
			"client_secret": r.clientSecret,
		}).
		SetResult(&tokens).
		Post(r.tokenURL)
	if err != nil {
		return fmt.Errorf("token refresh request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("token endpoint returned %d for %s", resp.StatusCode(), provider)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return fmt.Errorf("token endpoint returned an incomplete pair for %s", provider)
	}

	accessEnc, err := crypto.EncryptToken(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := crypto.EncryptToken(tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	now := r.now()
	cred.AccessTokenEnc = accessEnc
	cred.RefreshTokenEnc = refreshEnc
	cred.LastRefreshedAt = &now
	if tokens.ExpiresIn > 0 {
		expires := now.Add(time.Duration(tokens.ExpiresIn) * time.Second)
		cred.ExpiresAt = &expires
	}
	if err := r.db.Save(&cred).Error; err != nil {
		return fmt.Errorf("failed to persist refreshed credential: %w", err)
	}
	return nil
}

// AccessToken returns the decrypted current access token.
func (r *Refresher) AccessToken(provider string) (string, error) {
	var cred models.OAuthCredential
	if err := r.db.Where("provider = ?", provider).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNoCredential, provider)
		}
		return "", err
	}
	return crypto.DecryptToken(cred.AccessTokenEnc)
}

// NeedsRefresh reports whether the provider's pair is older than the
// window (a missing pair never needs refreshing; it needs seeding).
func (r *Refresher) NeedsRefresh(provider string, window time.Duration) (bool, error) {
	var cred models.OAuthCredential
	if err := r.db.Where("provider = ?", provider).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return !cred.RefreshedWithin(window, r.now()), nil
}
