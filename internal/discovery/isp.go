package discovery

import (
	"context"
	"sync"
	"time"

	stgo "github.com/showwin/speedtest-go/speedtest"

	"speedcheck/pkg/logx"
	"speedcheck/pkg/speedtest"
)

const ispCacheTTL = 10 * time.Minute

// ISPEnricher fills Carrier and Address from speedtest.net user info.
// Lookups are best-effort and cached; failures never fail the inspection.
type ISPEnricher struct {
	base    speedtest.NetworkInspector
	timeout time.Duration
	log     logx.Logger

	lookup func(ctx context.Context) (*stgo.User, error)
	now    func() time.Time

	mu     sync.Mutex
	cached *stgo.User
	at     time.Time
}

func NewISPEnricher(base speedtest.NetworkInspector, timeout time.Duration, log logx.Logger) *ISPEnricher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ISPEnricher{
		base:    base,
		timeout: timeout,
		log:     log,
		lookup:  fetchUser,
		now:     time.Now,
	}
}

func fetchUser(ctx context.Context) (*stgo.User, error) {
	st := stgo.New()
	defer st.Reset()
	return st.FetchUserInfoContext(ctx)
}

func (e *ISPEnricher) Inspect(ctx context.Context) (speedtest.NetworkInfo, error) {
	info, err := e.base.Inspect(ctx)
	if err != nil || !info.IsConnected || !info.IsInternetReachable {
		return info, err
	}
	if u := e.user(ctx); u != nil {
		info.Carrier = u.Isp
		info.Address = u.IP
	}
	return info, nil
}

func (e *ISPEnricher) user(ctx context.Context) *stgo.User {
	e.mu.Lock()
	if e.cached != nil && e.now().Sub(e.at) < ispCacheTTL {
		u := e.cached
		e.mu.Unlock()
		return u
	}
	e.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	u, err := e.lookup(lctx)
	if err != nil || u == nil {
		e.log.Debug("isp lookup failed", logx.Err(err))
		return nil
	}

	e.mu.Lock()
	e.cached, e.at = u, e.now()
	e.mu.Unlock()
	return u
}
