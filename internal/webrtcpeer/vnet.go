package webrtcpeer

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
)

// VirtualLAN is an in-process pion vnet with one static IP per host. It lets
// tests run real PeerConnections without touching the OS network.
type VirtualLAN struct {
	router *vnet.Router
	nets   map[string]*vnet.Net
}

// NewVirtualLAN starts a router on cidr with one vnet.Net per IP.
func NewVirtualLAN(cidr string, ips ...string) (*VirtualLAN, error) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		return nil, fmt.Errorf("new router: %w", err)
	}

	lan := &VirtualLAN{router: router, nets: make(map[string]*vnet.Net, len(ips))}
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			return nil, fmt.Errorf("new net %s: %w", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			return nil, fmt.Errorf("add net %s: %w", ip, err)
		}
		lan.nets[ip] = n
	}

	if err := router.Start(); err != nil {
		return nil, fmt.Errorf("start router: %w", err)
	}
	return lan, nil
}

// Net returns the host with the given IP, or nil.
func (l *VirtualLAN) Net(ip string) *vnet.Net {
	return l.nets[ip]
}

// API builds a client API bound to the host with the given IP.
func (l *VirtualLAN) API(ip string) (*webrtc.API, error) {
	return l.APIWithOptions(ip, Options{})
}

// APIWithOptions is API with extra settings. opts.Net is overwritten.
func (l *VirtualLAN) APIWithOptions(ip string, opts Options) (*webrtc.API, error) {
	n := l.nets[ip]
	if n == nil {
		return nil, fmt.Errorf("no virtual host %s", ip)
	}
	opts.Net = n
	return NewAPI(opts)
}

func (l *VirtualLAN) Stop() error {
	return l.router.Stop()
}
