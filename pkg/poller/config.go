package poller

import (
	"fmt"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/tedwatch/tedwatch/pkg/auth"
	"github.com/tedwatch/tedwatch/pkg/cache"
	"github.com/tedwatch/tedwatch/pkg/common"
	"github.com/tedwatch/tedwatch/pkg/mijnted"
	"github.com/tedwatch/tedwatch/pkg/storage"
)

const (
	defaultTokenURL = "https://tedb2cprod.b2clogin.com/tedb2cprod.onmicrosoft.com/b2c_1_signin_signup/oauth2/v2.0/token"
	defaultBaseURL  = "https://ted-prod-function-app.azurewebsites.net/api"
)

// Configured sets up the Poller and everything it polls with.
// It registers flags for configuration.
func Configured(store storage.Store) *Poller {
	clientID := lflag.RequiredString("client-id", "OAuth2 client id of the installation")
	refreshToken := lflag.String("refresh-token", "", "Initial OAuth2 refresh token (only needed before the first rotation is stored)")
	tokenURL := lflag.String("token-url", defaultTokenURL, "OAuth2 token endpoint")
	baseURL := lflag.String("api-base-url", defaultBaseURL, "Base URL of the usage API")
	interval := lflag.Duration("poll-interval", time.Hour, "Time between poll cycles (clamped to [1h, 24h])")
	retention := lflag.String("cache-retention-months", "24", "How many months of usage history to keep")
	timeout := lflag.Duration("request-timeout", 10*time.Second, "Per-request HTTP timeout")

	p := &Poller{
		store: store,
		cache: cache.New(),
		now:   time.Now,
	}

	lflag.Do(func() {
		months, err := strconv.Atoi(*retention)
		if err != nil || months <= 0 {
			panic(fmt.Sprintf("invalid cache-retention-months: %q", *retention))
		}

		hc := common.HTTPClient(*timeout)
		mgr := auth.New(auth.Config{
			ClientID:     *clientID,
			TokenURL:     *tokenURL,
			RefreshToken: *refreshToken,
		}, hc, store)

		p.units = mgr
		p.client = mijnted.New(*baseURL, hc, mgr)
		p.cfg = Config{
			Interval:        ClampInterval(*interval),
			RetentionMonths: months,
		}
	})

	return p
}
