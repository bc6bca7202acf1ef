package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"time"

	stgo "github.com/showwin/speedtest-go/speedtest"

	"speedcheck/pkg/logx"
	"speedcheck/pkg/speedtest"
)

// SelectorConfig configures SpeedtestNetSelector.
type SelectorConfig struct {
	// ServerIDs restricts candidates to these speedtest.net server IDs.
	ServerIDs      []int
	LookupTimeout  time.Duration
	MaxConnections int
}

// SpeedtestNetSelector picks the closest speedtest.net server and derives the
// ping, download and upload URLs from its upload endpoint.
type SpeedtestNetSelector struct {
	cfg SelectorConfig
	log logx.Logger

	fetch func(ctx context.Context) (stgo.Servers, error)
}

func NewSpeedtestNetSelector(cfg SelectorConfig, log logx.Logger) *SpeedtestNetSelector {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 15 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = speedtest.DefaultMaxConnections
	}
	s := &SpeedtestNetSelector{cfg: cfg, log: log}
	s.fetch = s.fetchServers
	return s
}

func (s *SpeedtestNetSelector) fetchServers(ctx context.Context) (stgo.Servers, error) {
	// A fresh client per lookup; the package-level default keeps state across calls.
	st := stgo.New(stgo.WithUserConfig(&stgo.UserConfig{MaxConnections: s.cfg.MaxConnections}))
	defer st.Reset()
	return st.FetchServerListContext(ctx)
}

func (s *SpeedtestNetSelector) Select(ctx context.Context, _ speedtest.RunConfig) (speedtest.Server, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	servers, err := s.fetch(ctx)
	if err != nil {
		return speedtest.Server{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	candidates := filterByID(servers, s.cfg.ServerIDs)
	if len(candidates) == 0 {
		return speedtest.Server{}, errors.New("no speedtest.net servers available")
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })

	var lastErr error
	for _, c := range candidates {
		srv, err := toServer(c)
		if err != nil {
			lastErr = err
			s.log.Debug("skipping server", logx.String("id", c.ID), logx.Err(err))
			continue
		}
		s.log.Debug("server selected",
			logx.String("id", srv.ID),
			logx.String("name", srv.Name),
			logx.Float64("distance_km", srv.DistanceKm),
		)
		return srv, nil
	}
	return speedtest.Server{}, fmt.Errorf("no usable speedtest.net server: %w", lastErr)
}

func filterByID(servers stgo.Servers, ids []int) []*stgo.Server {
	if len(ids) == 0 {
		return append([]*stgo.Server(nil), servers...)
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[strconv.Itoa(id)] = struct{}{}
	}
	out := make([]*stgo.Server, 0, len(ids))
	for _, s := range servers {
		if _, ok := want[s.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

func toServer(s *stgo.Server) (speedtest.Server, error) {
	if s == nil {
		return speedtest.Server{}, errors.New("nil server")
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return speedtest.Server{}, fmt.Errorf("server %s: invalid url %q", s.ID, s.URL)
	}
	sibling := func(name string) string {
		v := *u
		v.Path = path.Join(path.Dir(u.Path), name)
		v.RawQuery = ""
		return v.String()
	}
	name := s.Name
	if s.Sponsor != "" {
		name = s.Sponsor + " (" + s.Name + ")"
	}
	return speedtest.Server{
		ID:          s.ID,
		Name:        name,
		Country:     s.Country,
		Host:        u.Hostname(),
		DistanceKm:  s.Distance,
		PingURL:     sibling("latency.txt"),
		DownloadURL: sibling("random4000x4000.jpg"),
		UploadURL:   s.URL,
	}, nil
}
