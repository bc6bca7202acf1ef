package discovery

import (
	"context"
	"net"
	"strings"
	"time"

	"speedcheck/pkg/logx"
	"speedcheck/pkg/speedtest"
)

// InspectorConfig configures InterfaceInspector.
type InspectorConfig struct {
	// ReachabilityAddr is a host:port dialed to confirm internet access.
	// Empty means reachability follows IsConnected.
	ReachabilityAddr string
	DialTimeout      time.Duration
}

type ifaceInfo struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    int
}

// InterfaceInspector derives a NetworkInfo from the host's interfaces.
type InterfaceInspector struct {
	cfg InspectorConfig
	log logx.Logger

	interfaces func() ([]ifaceInfo, error)
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewInterfaceInspector(cfg InspectorConfig, log logx.Logger) *InterfaceInspector {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &InterfaceInspector{
		cfg:        cfg,
		log:        log,
		interfaces: systemInterfaces,
		dial:       d.DialContext,
	}
}

func systemInterfaces() ([]ifaceInfo, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]ifaceInfo, 0, len(ifs))
	for _, i := range ifs {
		addrs, _ := i.Addrs()
		out = append(out, ifaceInfo{
			Name:     i.Name,
			Up:       i.Flags&net.FlagUp != 0,
			Loopback: i.Flags&net.FlagLoopback != 0,
			Addrs:    len(addrs),
		})
	}
	return out, nil
}

func (n *InterfaceInspector) Inspect(ctx context.Context) (speedtest.NetworkInfo, error) {
	ifs, err := n.interfaces()
	if err != nil {
		return speedtest.NetworkInfo{}, err
	}

	info := speedtest.NetworkInfo{ConnectionType: speedtest.ConnectionUnknown}
	best := -1
	for _, i := range ifs {
		if !i.Up || i.Loopback || i.Addrs == 0 {
			continue
		}
		kind := linkKind(i.Name)
		if r := rank(kind); r > best {
			best = r
			info.ConnectionType = reported(kind)
			info.IsConnected = true
		}
	}
	if !info.IsConnected {
		return info, nil
	}

	info.IsInternetReachable = true
	if addr := strings.TrimSpace(n.cfg.ReachabilityAddr); addr != "" {
		dctx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
		conn, err := n.dial(dctx, "tcp", addr)
		cancel()
		if err != nil {
			n.log.Debug("reachability probe failed", logx.String("addr", addr), logx.Err(err))
			info.IsInternetReachable = false
		} else {
			_ = conn.Close()
		}
	}
	return info, nil
}

// linkWired ranks above wireless links but is reported as unknown, since the
// descriptor only distinguishes wifi and cellular.
const linkWired = "wired"

func linkKind(name string) string {
	n := strings.ToLower(name)
	switch {
	case hasAnyPrefix(n, "wl", "wifi", "ath", "ra"):
		return speedtest.ConnectionWiFi
	case hasAnyPrefix(n, "wwan", "rmnet", "ccmni", "pdp_ip", "usb", "ppp"):
		return speedtest.ConnectionCellular
	case hasAnyPrefix(n, "eth", "en", "em", "eno", "ens", "enp", "bond", "br"):
		return linkWired
	default:
		return speedtest.ConnectionUnknown
	}
}

// rank prefers physical links over virtual or unknown ones.
func rank(kind string) int {
	switch kind {
	case linkWired:
		return 3
	case speedtest.ConnectionWiFi:
		return 2
	case speedtest.ConnectionCellular:
		return 1
	default:
		return 0
	}
}

func reported(kind string) string {
	if kind == linkWired {
		return speedtest.ConnectionUnknown
	}
	return kind
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
