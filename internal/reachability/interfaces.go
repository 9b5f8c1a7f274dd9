package reachability

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Iface is the subset of interface data the prober classifies.
type Iface struct {
	Name    string
	Up      bool
	Loop    bool
	HasAddr bool
}

// InterfaceProber derives a Path from the host's network interfaces.
// Interface naming is platform convention, so classification is a
// heuristic: wired beats Wi-Fi beats cellular when several are up.
type InterfaceProber struct {
	list func() ([]Iface, error)
}

// NewInterfaceProber creates a prober backed by net.Interfaces.
func NewInterfaceProber() *InterfaceProber {
	return &InterfaceProber{list: systemInterfaces}
}

func systemInterfaces() ([]Iface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	out := make([]Iface, 0, len(ifaces))
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		out = append(out, Iface{
			Name:    ifc.Name,
			Up:      ifc.Flags&net.FlagUp != 0 && ifc.Flags&net.FlagRunning != 0,
			Loop:    ifc.Flags&net.FlagLoopback != 0,
			HasAddr: err == nil && len(addrs) > 0,
		})
	}

	return out, nil
}

// Probe implements Prober.
func (p *InterfaceProber) Probe(_ context.Context) (Path, error) {
	ifaces, err := p.list()
	if err != nil {
		return Path{}, err
	}

	best := InterfaceNone
	for _, ifc := range ifaces {
		if !ifc.Up || ifc.Loop || !ifc.HasAddr || isVirtual(ifc.Name) {
			continue
		}

		if c := classifyName(ifc.Name); rank(c) > rank(best) {
			best = c
		}
	}

	if best == InterfaceNone {
		return Path{Status: StatusUnavailable, Interface: InterfaceNone}, nil
	}

	return Path{Status: StatusAvailable, Interface: best}, nil
}

var namePrefixes = []struct {
	prefix string
	class  InterfaceClass
}{
	{"wlan", InterfaceWiFi},
	{"wlp", InterfaceWiFi},
	{"wl", InterfaceWiFi},
	{"wifi", InterfaceWiFi},
	{"ath", InterfaceWiFi},
	{"wwan", InterfaceCellular},
	{"rmnet", InterfaceCellular},
	{"pdp_ip", InterfaceCellular},
	{"ccmni", InterfaceCellular},
	{"ppp", InterfaceCellular},
	{"eth", InterfaceWired},
	{"enp", InterfaceWired},
	{"eno", InterfaceWired},
	{"ens", InterfaceWired},
	{"en", InterfaceWired},
}

// virtualPrefixes are host-local bridges that never carry a route out.
var virtualPrefixes = []string{"docker", "veth", "br-", "virbr", "lxc", "cni", "vmnet"}

func isVirtual(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}

	return false
}

func classifyName(name string) InterfaceClass {
	lower := strings.ToLower(name)
	for _, np := range namePrefixes {
		if strings.HasPrefix(lower, np.prefix) {
			return np.class
		}
	}

	return InterfaceOther
}

func rank(c InterfaceClass) int {
	switch c {
	case InterfaceWired:
		return 4
	case InterfaceWiFi:
		return 3
	case InterfaceCellular:
		return 2
	case InterfaceOther:
		return 1
	default:
		return 0
	}
}
