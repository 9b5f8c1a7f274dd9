package reachability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proberWith(ifaces ...Iface) *InterfaceProber {
	return &InterfaceProber{list: func() ([]Iface, error) { return ifaces, nil }}
}

func TestInterfaceProber_PrefersWiredOverWiFi(t *testing.T) {
	p := proberWith(
		Iface{Name: "lo", Up: true, Loop: true, HasAddr: true},
		Iface{Name: "wlan0", Up: true, HasAddr: true},
		Iface{Name: "eth0", Up: true, HasAddr: true},
	)

	path, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Path{Status: StatusAvailable, Interface: InterfaceWired}, path)
}

func TestInterfaceProber_WiFiOverCellular(t *testing.T) {
	p := proberWith(
		Iface{Name: "rmnet0", Up: true, HasAddr: true},
		Iface{Name: "wlp2s0", Up: true, HasAddr: true},
	)

	path, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InterfaceWiFi, path.Interface)
}

func TestInterfaceProber_CellularOnly(t *testing.T) {
	p := proberWith(Iface{Name: "wwan0", Up: true, HasAddr: true})

	path, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Path{Status: StatusAvailable, Interface: InterfaceCellular}, path)
}

func TestInterfaceProber_IgnoresDownLoopbackAndVirtual(t *testing.T) {
	p := proberWith(
		Iface{Name: "lo", Up: true, Loop: true, HasAddr: true},
		Iface{Name: "eth0", Up: false, HasAddr: true},
		Iface{Name: "wlan0", Up: true, HasAddr: false},
		Iface{Name: "docker0", Up: true, HasAddr: true},
		Iface{Name: "veth1234", Up: true, HasAddr: true},
	)

	path, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Path{Status: StatusUnavailable, Interface: InterfaceNone}, path)
}

func TestInterfaceProber_UnknownNameIsOther(t *testing.T) {
	p := proberWith(Iface{Name: "utun3", Up: true, HasAddr: true})

	path, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InterfaceOther, path.Interface)
}

func TestInterfaceProber_ListError(t *testing.T) {
	p := &InterfaceProber{list: func() ([]Iface, error) { return nil, errors.New("denied") }}

	_, err := p.Probe(context.Background())
	assert.Error(t, err)
}
