// Package discovery implements the LAN Discovery Adapter (spec.md §4.9,
// §6): a fixed-format UDP multicast heartbeat used to announce a node's
// RPC address and to bootstrap a routing table with no prior peer list.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// multicastAddr is the discovery channel's fixed group and port (spec.md
// §6).
const multicastAddr = "239.255.42.99:50001"

// announcePrefix is the fixed message prefix broadcast_listen filters on
// (spec.md §6).
const announcePrefix = "dfs "

// heartbeatInterval is how often broadcast_announce repeats its message.
const heartbeatInterval = 300 * time.Millisecond

// Announcement is a parsed "dfs <host> <port>" heartbeat.
type Announcement struct {
	Host string
	Port int
}

func (a Announcement) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func encode(host string, port int) []byte {
	return []byte(fmt.Sprintf("%s%s %d", announcePrefix, host, port))
}

func decode(b []byte) (Announcement, bool) {
	s := string(b)
	if !strings.HasPrefix(s, announcePrefix) {
		return Announcement{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(s, announcePrefix))
	if len(fields) != 2 {
		return Announcement{}, false
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return Announcement{}, false
	}
	return Announcement{Host: fields[0], Port: port}, true
}

func resolveGroup() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", multicastAddr)
}

// Announce periodically broadcasts "dfs <host> <port>" on the LAN
// discovery channel until ctx is cancelled (spec.md §4.9).
func Announce(ctx context.Context, host string, port int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	group, err := resolveGroup()
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := encode(host, port)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		if _, err := conn.Write(msg); err != nil {
			logger.Warn("discovery announce write failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Listen blocks until it receives a "dfs <host> <port>" heartbeat from a
// peer other than self (identified by selfAddr, "host:port"), ctx is
// cancelled, or timeout elapses. Returns found=false on timeout or
// cancellation (spec.md §4.9 "Option<(host, port)>").
func Listen(ctx context.Context, selfAddr string, timeout time.Duration, logger *zap.Logger) (Announcement, bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	group, err := resolveGroup()
	if err != nil {
		logger.Warn("discovery listen resolve failed", zap.Error(err))
		return Announcement{}, false
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		logger.Warn("discovery listen failed", zap.Error(err))
		return Announcement{}, false
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for {
		if ctx.Err() != nil {
			return Announcement{}, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Announcement{}, false
		}
		_ = conn.SetReadDeadline(time.Now().Add(minDuration(remaining, 500*time.Millisecond)))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		ann, ok := decode(buf[:n])
		if !ok {
			continue
		}
		if ann.String() == selfAddr {
			continue
		}
		return ann, true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
