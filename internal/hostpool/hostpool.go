// Package hostpool resolves configured host addresses and manages the socket
// lifecycle for workers that push to remote backends or bind locally.
package hostpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrNoConnection is returned when no remote host accepts a connection.
var ErrNoConnection = errors.New("no connection could be established")

// resolveTTL is how long DNS results and TCP connections are reused before
// being refreshed. Parametrizing it seems a bit involved; 180s is reasonable.
const resolveTTL = 180 * time.Second

type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

// ParseAddress splits "host" or "host:port" and resolves the host. A name
// that doesn't resolve yields an empty set, not an error; a malformed
// address is an error.
func ParseAddress(address string, defaultPort int) ([]Endpoint, error) {
	host, port := address, defaultPort
	if h, p, err := net.SplitHostPort(address); err == nil {
		host = h
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("address %s is invalid", address)
		}
	} else if addrErr := (*net.AddrError)(nil); errors.As(err, &addrErr) && addrErr.Err != "missing port in address" {
		return nil, fmt.Errorf("address %s is invalid", address)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, nil
	}
	out := make([]Endpoint, 0, len(ips))
	for _, ip := range ips {
		out = append(out, Endpoint{IP: ip, Port: port})
	}
	return out, nil
}

// Resolver caches remote host resolution with a TTL.
type Resolver struct {
	RemoteHosts []string
	DefaultPort int
	Log         *logrus.Entry

	resolvedAt time.Time
	resolved   []Endpoint
}

// ResolveRemoteHosts returns the resolved remote set, refreshing it when the
// cache expires. Resolution failure is not fatal, the set may be empty.
func (r *Resolver) ResolveRemoteHosts() []Endpoint {
	now := time.Now()
	if !r.resolvedAt.IsZero() && now.Sub(r.resolvedAt) <= resolveTTL && r.resolved != nil {
		return r.resolved
	}
	var all []Endpoint
	for _, host := range r.RemoteHosts {
		eps, err := ParseAddress(host, r.DefaultPort)
		if err != nil {
			if r.Log != nil {
				r.Log.Warnf("Bad remote host %s: %v", host, err)
			}
			continue
		}
		for _, ep := range eps {
			if r.Log != nil {
				r.Log.Debugf("Resolved %s as %s", host, ep)
			}
		}
		all = append(all, eps...)
	}
	r.resolvedAt, r.resolved = now, all
	return all
}

// ResolveLocalHost resolves the bind address. Failure here is fatal, it is
// almost certainly a misconfiguration.
func ResolveLocalHost(host string, defaultPort int) (Endpoint, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	eps, err := ParseAddress(host, defaultPort)
	if err != nil {
		return Endpoint{}, err
	}
	if len(eps) == 0 {
		return Endpoint{}, fmt.Errorf("could not resolve local host %s", host)
	}
	return eps[rand.Intn(len(eps))], nil
}

// UDPConnector opens a UDP socket once and reuses it. Bound sockets get
// SO_REUSEADDR and, where available, SO_REUSEPORT.
type UDPConnector struct {
	Resolver
	SocketTimeout time.Duration

	conn *net.UDPConn
}

// OpenBound binds a UDP socket to the local address.
func (c *UDPConnector) OpenBound(localHost string, defaultPort int) (*net.UDPConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	ep, err := ResolveLocalHost(localHost, defaultPort)
	if err != nil {
		return nil, err
	}
	lc := net.ListenConfig{
		Control: func(network, address string, raw syscall.RawConn) error {
			var serr error
			err := raw.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr == nil {
					// Best effort, not every platform has it.
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", ep.String())
	if err != nil {
		return nil, err
	}
	c.conn = pc.(*net.UDPConn)
	if c.Log != nil {
		c.Log.Infof("Bound UDP socket %s", ep)
	}
	return c.conn, nil
}

// Open returns the shared unbound UDP socket used for pushes.
func (c *UDPConnector) Open() (*net.UDPConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	if c.Log != nil {
		c.Log.Info("Created UDP socket")
	}
	return c.conn, nil
}

func (c *UDPConnector) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		if c.Log != nil {
			c.Log.Debug("Closed socket")
		}
	}
}

// TCPConnector recycles its connection on an interval. Reopening picks a
// random host from the resolved pool, which spreads load better than relying
// on DNS round-robin alone.
type TCPConnector struct {
	Resolver
	SocketTimeout time.Duration

	conn     net.Conn
	openedAt time.Time
}

// Open returns a connected socket, reusing the current one while it is
// fresh. The resolved remote set is shuffled and tried in order until one
// host accepts.
func (c *TCPConnector) Open() (net.Conn, error) {
	now := time.Now()
	if c.conn != nil && now.Sub(c.openedAt) <= resolveTTL {
		return c.conn, nil
	}
	c.Close()

	hosts := append([]Endpoint(nil), c.ResolveRemoteHosts()...)
	rand.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })

	for _, ep := range hosts {
		d := net.Dialer{Timeout: c.SocketTimeout}
		conn, err := d.Dial("tcp", ep.String())
		if err != nil {
			if c.Log != nil {
				c.Log.Warnf("TCP connection to %s failed", ep)
			}
			continue
		}
		if c.Log != nil {
			c.Log.Infof("Connected TCP socket to %s", ep)
		}
		c.conn, c.openedAt = conn, now
		return c.conn, nil
	}
	return nil, ErrNoConnection
}

// Deadline arms the I/O deadline on conn when a socket timeout is
// configured.
func (c *TCPConnector) Deadline(conn net.Conn) {
	if c.SocketTimeout > 0 {
		conn.SetDeadline(time.Now().Add(c.SocketTimeout))
	}
}

func (c *TCPConnector) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		if c.Log != nil {
			c.Log.Debug("Closed socket")
		}
	}
}
