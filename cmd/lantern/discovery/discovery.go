// Package discovery advertises this peer with periodic UDP beacons and
// maintains the registry of peers heard on the LAN.
//
// Beacons are broadcast to every local interface's broadcast address and to
// a multicast group (for networks that filter subnet broadcast). The packet
// is a small JSON document; receivers ignore keys they do not know, so
// future fields can be added without breaking old peers.
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/shx-dow/lantern/cmd/lantern/config"
)

const protoMarker = "LANTERN1"

var multicastGroup = net.IPv4(239, 255, 77, 77)

// beacon is the wire form of one discovery packet. Decoding goes through a
// map so unknown trailing fields from newer peers are ignored.
type beacon struct {
	Proto string `json:"proto" mapstructure:"proto"`
	ID    string `json:"id"    mapstructure:"id"`
	Name  string `json:"name"  mapstructure:"name"`
	Port  int    `json:"port"  mapstructure:"port"`
}

func parseBeacon(data []byte) (*beacon, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("not a beacon: %w", err)
	}

	var b beacon
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &b,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("bad beacon fields: %w", err)
	}

	if b.Proto != protoMarker {
		return nil, fmt.Errorf("unknown protocol marker %q", b.Proto)
	}
	if b.ID == "" {
		return nil, fmt.Errorf("beacon without peer id")
	}
	if b.Port < 1 || b.Port > 65535 {
		return nil, fmt.Errorf("beacon port %d out of range", b.Port)
	}
	return &b, nil
}

// Discovery runs the beacon send loop, the receive loop, and the staleness
// sweep as independent goroutines sharing only the registry.
type Discovery struct {
	peerID      string
	displayName string
	tcpPort     int
	udpPort     int
	registry    *Registry

	conn   *net.UDPConn
	stopCh chan struct{}
}

// New builds a Discovery advertising tcpPort. The peer gets a short random
// ID at startup so it can ignore its own broadcasts.
func New(registry *Registry, tcpPort int) *Discovery {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "unknown"
	}
	return &Discovery{
		peerID:      uuid.NewString()[:8],
		displayName: name,
		tcpPort:     tcpPort,
		udpPort:     config.UDPPort,
		registry:    registry,
		stopCh:      make(chan struct{}),
	}
}

// PeerID returns this node's discovery identity.
func (d *Discovery) PeerID() string { return d.peerID }

// DisplayName returns the name other peers see in their registries.
func (d *Discovery) DisplayName() string { return d.displayName }

// Start binds the UDP endpoint and launches the background loops.
func (d *Discovery) Start() error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: d.udpPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to bind discovery port: %w", err)
	}
	d.conn = conn

	d.joinMulticast()

	go d.beaconLoop()
	go d.listenLoop()
	go d.sweepLoop()

	zap.L().Info("discovery started",
		zap.String("peer_id", d.peerID),
		zap.String("name", d.displayName),
		zap.Int("udp_port", d.udpPort))
	return nil
}

// Stop shuts down the background loops and releases the UDP endpoint.
func (d *Discovery) Stop() {
	close(d.stopCh)
	if d.conn != nil {
		d.conn.Close()
	}
}

// joinMulticast subscribes the listening socket to the multicast group on
// every eligible interface. Failures are per-interface and non-fatal:
// plain broadcast still covers the common case.
func (d *Discovery) joinMulticast() {
	pc := ipv4.NewPacketConn(d.conn)
	pc.SetMulticastTTL(2)

	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	group := &net.UDPAddr{IP: multicastGroup}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, group); err != nil {
			zap.L().Debug("multicast join failed",
				zap.String("interface", iface.Name), zap.Error(err))
		}
	}
}

func (d *Discovery) beaconLoop() {
	payload, err := json.Marshal(beacon{
		Proto: protoMarker,
		ID:    d.peerID,
		Name:  d.displayName,
		Port:  d.tcpPort,
	})
	if err != nil {
		zap.L().Error("failed to encode beacon", zap.Error(err))
		return
	}

	ticker := time.NewTicker(config.BeaconInterval)
	defer ticker.Stop()

	d.broadcast(payload)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.broadcast(payload)
		}
	}
}

func (d *Discovery) broadcast(payload []byte) {
	targets := broadcastAddrs()
	targets = append(targets, multicastGroup)
	for _, ip := range targets {
		dst := &net.UDPAddr{IP: ip, Port: d.udpPort}
		if _, err := d.conn.WriteToUDP(payload, dst); err != nil {
			zap.L().Debug("beacon send failed", zap.Stringer("dst", dst), zap.Error(err))
		}
	}
}

func (d *Discovery) listenLoop() {
	buf := make([]byte, 2048)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				continue
			}
		}

		b, err := parseBeacon(buf[:n])
		if err != nil {
			// Malformed or foreign packets are dropped, never fatal.
			continue
		}
		if b.ID == d.peerID {
			continue
		}

		name := b.Name
		if name == "" {
			name = src.IP.String()
		}
		d.registry.Upsert(src.IP.String(), uint16(b.Port), name)
	}
}

func (d *Discovery) sweepLoop() {
	ticker := time.NewTicker(config.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if n := d.registry.Sweep(time.Now()); n > 0 {
				zap.L().Debug("evicted stale peers", zap.Int("count", n))
			}
		}
	}
}

// broadcastAddrs computes the directed broadcast address of every up,
// non-loopback IPv4 interface. Interfaces reporting no netmask are skipped
// rather than failing the whole enumeration.
func broadcastAddrs() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return []net.IP{net.IPv4bcast}
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || ipnet.Mask == nil {
				continue
			}
			ip := ipnet.IP.To4()
			mask := net.IP(ipnet.Mask).To4()
			if mask == nil {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range bcast {
				bcast[i] = ip[i] | ^mask[i]
			}
			out = append(out, bcast)
		}
	}

	if len(out) == 0 {
		out = append(out, net.IPv4bcast)
	}
	return out
}
