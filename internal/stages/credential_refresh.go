package stages

import (
	"context"
	"errors"
	"fmt"
	"log"

	"lecturepipe/internal/oauth"
	"lecturepipe/internal/taskengine"
)

// HandleRefreshCredential rotates the provider's OAuth token pair. The
// stage runs at concurrency 1: the provider invalidates the old refresh
// token on success, so two overlapping refreshes would strand us with a
// dead pair. Failures are logged and marked permanent so the message is
// acked; the next periodic check enqueues a fresh attempt.
func (s *Service) HandleRefreshCredential(ctx context.Context, task *taskengine.Task) error {
	var params RefreshCredentialParams
	if err := task.DecodeParams(&params); err != nil {
		return taskengine.Permanent(err)
	}
	provider := params.Provider
	if provider == "" {
		provider = BoxProvider
	}

	if err := s.refresher.Refresh(ctx, provider); err != nil {
		if errors.Is(err, oauth.ErrNoCredential) {
			log.Printf("ERROR: No %s credential seeded, cannot refresh", provider)
			return taskengine.Permanent(err)
		}
		log.Printf("ERROR: Failed to refresh %s credential: %v", provider, err)
		return taskengine.Permanent(fmt.Errorf("credential refresh for %s failed: %w", provider, err))
	}

	// Downstream playlist and download calls authenticate with the
	// freshest token.
	if token, err := s.refresher.AccessToken(provider); err == nil {
		s.source.SetAccessToken(token)
	} else {
		log.Printf("WARNING: Refreshed %s credential but could not load access token: %v", provider, err)
	}

	log.Printf("Refreshed %s credential", provider)
	return task.SetResult(map[string]string{"provider": provider, "status": "refreshed"})
}
