package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// multicastAddr supplements subnet broadcast for networks that
	// filter directed broadcasts but pass local multicast.
	multicastAddr = "224.0.0.251"

	maxDatagram = 1024

	readDeadline = 1 * time.Second

	eventChanSize = 16
)

// Event is one discovery observation: a candidate peer address and the
// id it advertises, or a withdrawal of a previous advertisement.
type Event struct {
	Addr         string
	AdvertisedID string
	Withdrawn    bool
}

// announcement is the UDP wire message. Type is "announce" on the
// periodic tick, "withdraw" once on shutdown.
type announcement struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	Port   string `json:"port"`
}

// KnownFunc reports whether an address is already tracked by an
// authenticated peer record. Known addresses are not re-offered.
type KnownFunc func(addr string) bool

// Service finds candidate peers on the local network via periodic UDP
// announcements and merges in a statically configured peer list, so the
// system still functions on networks without broadcast support.
type Service struct {
	localID     string
	syncPort    string
	port        int
	interval    time.Duration
	staticPeers []string
	known       KnownFunc
	logger      *slog.Logger

	events chan Event
}

// New creates a discovery service. syncPort is the TCP port announced to
// peers; port is the UDP discovery port.
func New(localID, syncPort string, port int, interval time.Duration, staticPeers []string, known KnownFunc, logger *slog.Logger) *Service {
	return &Service{
		localID:     localID,
		syncPort:    syncPort,
		port:        port,
		interval:    interval,
		staticPeers: staticPeers,
		known:       known,
		logger:      logger,
		events:      make(chan Event, eventChanSize),
	}
}

// Events returns the stream of discovery observations.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Run announces and listens until the context is cancelled, then sends a
// withdrawal so peers learn of the departure before the absence timeout.
func (s *Service) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.port})
	if err != nil {
		return fmt.Errorf("listening on udp %d: %w", s.port, err)
	}
	defer conn.Close()

	s.joinMulticast(conn)

	s.logger.Info("discovery started",
		slog.Int("port", s.port),
		slog.Duration("interval", s.interval),
		slog.Int("static_peers", len(s.staticPeers)),
	)

	go s.listen(ctx, conn)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Announce immediately rather than waiting a full interval.
	s.announce("announce")
	s.offerStatic()

	for {
		select {
		case <-ctx.Done():
			s.announce("withdraw")
			return ctx.Err()

		case <-ticker.C:
			s.announce("announce")
			s.offerStatic()
		}
	}
}

// offerStatic re-offers every static peer that is not already tracked.
// Static entries have no advertised id; authentication discovers it.
func (s *Service) offerStatic() {
	for _, addr := range s.staticPeers {
		if s.known(addr) {
			continue
		}

		s.deliver(Event{Addr: addr})
	}
}

// joinMulticast subscribes the listening socket to the discovery group
// on every multicast-capable interface, so announcements sent to
// multicastAddr actually arrive. Per-interface failures are tolerated;
// subnet broadcast still covers those interfaces. Returns the number of
// interfaces joined.
func (s *Service) joinMulticast(conn *net.UDPConn) int {
	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.ParseIP(multicastAddr)}

	ifaces, err := net.Interfaces()
	if err != nil {
		s.logger.Debug("listing interfaces", slog.String("error", err.Error()))
		return 0
	}

	joined := 0

	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		if err := pc.JoinGroup(&iface, group); err != nil {
			s.logger.Debug("joining multicast group",
				slog.String("interface", iface.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		joined++
	}

	if joined == 0 {
		s.logger.Warn("no interface joined the multicast group, relying on broadcast")
	}

	return joined
}

func (s *Service) listen(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)

	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(readDeadline)) //nolint:errcheck

		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}

			if ctx.Err() == nil {
				s.logger.Debug("udp read error", slog.String("error", err.Error()))
			}

			continue
		}

		var msg announcement
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			s.logger.Debug("unparseable discovery datagram", slog.Int("bytes", n))
			continue
		}

		if msg.PeerID == s.localID || msg.PeerID == "" {
			continue
		}

		addr := net.JoinHostPort(sender.IP.String(), msg.Port)

		switch msg.Type {
		case "announce":
			if s.known(addr) {
				continue
			}

			s.deliver(Event{Addr: addr, AdvertisedID: msg.PeerID})

		case "withdraw":
			// A withdrawal never evicts directly; the engine only clears
			// the advertisement freshness and lets the absence timeout
			// decide.
			s.deliver(Event{Addr: addr, AdvertisedID: msg.PeerID, Withdrawn: true})
		}
	}
}

// deliver pushes an event without blocking the announce loop; discovery
// is lossy by nature and the next interval re-offers.
func (s *Service) deliver(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Service) announce(msgType string) {
	port := s.syncPort
	if i := strings.LastIndex(port, ":"); i >= 0 {
		port = port[i+1:]
	}

	data, err := json.Marshal(announcement{Type: msgType, PeerID: s.localID, Port: port})
	if err != nil {
		s.logger.Warn("marshalling announcement", slog.String("error", err.Error()))
		return
	}

	targets := broadcastAddresses()
	targets = append(targets, multicastAddr)

	sent := 0

	for _, target := range targets {
		addr := &net.UDPAddr{IP: net.ParseIP(target), Port: s.port}
		if addr.IP == nil {
			continue
		}

		conn, err := net.DialUDP("udp4", nil, addr)
		if err != nil {
			continue
		}

		_, err = conn.Write(data)
		conn.Close() //nolint:errcheck

		if err == nil {
			sent++
		}
	}

	if sent == 0 {
		s.logger.Warn("announcement reached no targets")
	}
}

// broadcastAddresses computes the directed broadcast address of every
// up, broadcast-capable IPv4 interface, falling back to the limited
// broadcast address.
func broadcastAddresses() []string {
	seen := make(map[string]bool)

	var out []string

	ifaces, err := net.Interfaces()
	if err != nil {
		return []string{"255.255.255.255"}
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}

			ipv4 := ipnet.IP.To4()
			if ipv4 == nil || len(ipnet.Mask) != 4 {
				continue
			}

			bcast := make(net.IP, 4)
			for i := range bcast {
				bcast[i] = ipv4[i] | ^ipnet.Mask[i]
			}

			if s := bcast.String(); !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}

	if !seen["255.255.255.255"] {
		out = append(out, "255.255.255.255")
	}

	return out
}
