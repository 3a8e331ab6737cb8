// Package naming resolves a service name to the list of servers providing it
// and keeps that list fresh.
//
// A NamingService answers a single lookup. A Poller repeats lookups forever,
// one task per service, and hands each result to an Actions consumer such as
// Watcher:
//
//	        ┌──────────── interval ────────────┐
//	        ▼                                  │
//	INIT → DISCOVERING ─ok──→ REPORTED_OK ────→ SLEEPING
//	        │         └─ok, none─→ REPORTED_EMPTY ──┘ ▲
//	        └─fail (first cycle: report empty) ───────┘ retry interval
//
//	any state ─stop─→ STOPPED
package naming

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

var (
	// ErrBadAddress is returned for a server address that does not parse.
	ErrBadAddress = errors.New("naming: bad server address")
	// ErrCommandMismatch is returned when the registry replies with an
	// unexpected query_cmd.
	ErrCommandMismatch = errors.New("naming: unexpected reply command")
	// ErrDegradeUnavailable is returned when the registry failed and the file
	// fallback is disabled or already used.
	ErrDegradeUnavailable = errors.New("naming: no fallback available")
	// ErrFatal wraps an unrecoverable poller fault.
	ErrFatal = errors.New("naming: poller fault")
)

// ServerNode is one resolved server.
type ServerNode struct {
	Addr netip.AddrPort
	Tag  string
}

// ParseNode builds a node from the ip and port fields of a registry item.
func ParseNode(ip, port string) (ServerNode, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ServerNode{}, fmt.Errorf("%w: ip %q", ErrBadAddress, ip)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return ServerNode{}, fmt.Errorf("%w: port %q", ErrBadAddress, port)
	}
	return ServerNode{Addr: netip.AddrPortFrom(addr, uint16(p))}, nil
}

// ParseAddr parses "ip:port".
func ParseAddr(s string) (ServerNode, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil || ap.Port() == 0 {
		return ServerNode{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	return ServerNode{Addr: ap}, nil
}

func (n ServerNode) String() string {
	if n.Tag == "" {
		return n.Addr.String()
	}
	return n.Addr.String() + "(" + n.Tag + ")"
}

// NamingService performs one lookup.
type NamingService interface {
	GetServers(ctx context.Context, service string) ([]ServerNode, error)
}

// Actions consumes lookup results. ResetServers replaces the whole list; it is
// never called concurrently for the same service.
type Actions interface {
	ResetServers(servers []ServerNode)
}
