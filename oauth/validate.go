// Package oauth keeps a logged-in session honest: it periodically validates
// the access token against id.twitch.tv and reports when Twitch stops
// accepting it, so the orchestrator can leave the connected state instead
// of failing on the next send.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/seraphbot/twitchapi"
)

// ValidateFunc checks the current token.
type ValidateFunc func(ctx context.Context) (*twitchapi.TokenInfo, error)

// ValidatorOptions configures StartValidator.
type ValidatorOptions struct {
	// Interval between checks. Default 1h, the cadence Twitch asks clients to validate at.
	Interval time.Duration
	// Window triggers an expiry warning when the remaining lifetime drops below it. Default 15m.
	Window time.Duration
	// OnInvalid is called once when the token is rejected; the loop then exits.
	OnInvalid func(err error)
	// OnValid is called after every successful check.
	OnValid func(info *twitchapi.TokenInfo)
}

// StartValidator launches a goroutine that validates the token every
// Interval (with jitter) until ctx is cancelled or the token is rejected.
// Transient failures are logged and retried on the next tick.
func StartValidator(ctx context.Context, validate ValidateFunc, opts ValidatorOptions) {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	go func() {
		for {
			// Jitter each sleep by ±20% so restarts do not align checks.
			jitterRange := int64(opts.Interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.Interval + jitter):
			}

			vctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			info, err := validate(vctx)
			cancel()
			if err != nil {
				if errors.Is(err, twitchapi.ErrTokenInvalid) {
					slog.Warn("access token rejected", slog.Any("err", err), slog.String("component", "oauth"))
					if opts.OnInvalid != nil {
						opts.OnInvalid(err)
					}
					return
				}
				if ctx.Err() != nil {
					return
				}
				slog.Warn("token validation failed", slog.Any("err", err), slog.String("component", "oauth"))
				continue
			}
			if left := time.Until(info.Expiry()); info.ExpiresIn > 0 && left <= opts.Window {
				slog.Warn("access token expires soon", slog.Duration("remaining", left), slog.String("component", "oauth"))
			}
			slog.Debug("access token valid", slog.String("login", info.Login), slog.String("component", "oauth"))
			if opts.OnValid != nil {
				opts.OnValid(info)
			}
		}
	}()
}
