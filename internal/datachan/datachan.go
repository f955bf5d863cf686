// Package datachan implements the per-client data-channel registry: the
// bookkeeping for PASV listeners and PORT targets that backs STOR, RETR, and
// LIST. Each client address owns at most one channel entry at a time; a new
// PASV or PORT command replaces whatever entry preceded it.
package datachan

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// DialTimeout bounds how long an active-mode (PORT) connect-back attempt
// waits before giving up.
const DialTimeout = 10 * time.Second

// DefaultPortRangeStart and DefaultPortRangeEnd bound the PASV listener port
// range, [start, end), allocated lowest-port-first.
const (
	DefaultPortRangeStart = 2122
	DefaultPortRangeEnd   = 2222
)

// Mode distinguishes how a channel entry will obtain its data connection.
type Mode int

const (
	// ModePassive means the server is listening and waits for the client
	// to connect (PASV).
	ModePassive Mode = iota
	// ModeActive means the server dials back to the client's announced
	// address (PORT).
	ModeActive
)

// entry holds the pending data-channel setup for one client.
type entry struct {
	mode     Mode
	listener net.Listener // set for ModePassive
	target   net.Addr     // set for ModeActive
}

// Registry tracks one pending data-channel entry per client control-connection
// address and the set of PASV ports currently bound across all clients.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	boundPorts map[int]string // port -> owning client key, for PASV allocation
	portStart  int
	portEnd    int
}

// NewRegistry constructs a Registry that allocates PASV listener ports from
// [portStart, portEnd).
func NewRegistry(portStart, portEnd int) *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		boundPorts: make(map[int]string),
		portStart:  portStart,
		portEnd:    portEnd,
	}
}

// NewDefaultRegistry constructs a Registry using DefaultPortRangeStart/End.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultPortRangeStart, DefaultPortRangeEnd)
}

// SetupPassive opens a listener on the lowest available port in the
// registry's configured range, bound to listenIP, and registers it as the
// pending channel for clientKey. Any previous entry for clientKey is torn
// down first.
func (r *Registry) SetupPassive(clientKey, listenIP string) (net.Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked(clientKey)

	for port := r.portStart; port < r.portEnd; port++ {
		if _, taken := r.boundPorts[port]; taken {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", listenIP, port))
		if err != nil {
			continue
		}
		r.boundPorts[port] = clientKey
		r.entries[clientKey] = &entry{mode: ModePassive, listener: ln}
		return ln, nil
	}
	return nil, fmt.Errorf("no available PASV port in range [%d, %d)", r.portStart, r.portEnd)
}

// SetupActive registers target as the pending connect-back address for
// clientKey (PORT mode). Any previous entry for clientKey is torn down first.
func (r *Registry) SetupActive(clientKey string, target net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked(clientKey)
	r.entries[clientKey] = &entry{mode: ModeActive, target: target}
}

// Open establishes the data connection for clientKey: accepting from the
// passive listener, or dialing the active target, per whichever mode was
// last set up. The entry itself (the listener or the target address)
// persists across the call: a passive listener can accept again for the
// next RETR/STOR/LIST, and an active target can be redialed, until the
// client issues a new PASV/PORT or disconnects. Only the transient stream
// returned here is torn down by the caller after one transfer.
func (r *Registry) Open(clientKey string) (net.Conn, error) {
	r.mu.Lock()
	e, ok := r.entries[clientKey]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no data channel configured")
	}

	switch e.mode {
	case ModePassive:
		conn, err := e.listener.Accept()
		if err != nil {
			return nil, fmt.Errorf("accept passive data connection: %w", err)
		}
		return conn, nil
	case ModeActive:
		conn, err := net.DialTimeout("tcp", e.target.String(), DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dial active data connection: %w", err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown data channel mode")
	}
}

// HasPending reports whether clientKey has a data channel entry (i.e. PASV
// or PORT has run and the entry has not been replaced or cleaned up since).
// Transfers through Open do not remove the entry.
func (r *Registry) HasPending(clientKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[clientKey]
	return ok
}

// Cleanup tears down and removes any pending entry for clientKey, releasing
// its PASV port if one was bound. Safe to call when no entry exists.
func (r *Registry) Cleanup(clientKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(clientKey)
}

func (r *Registry) closeLocked(clientKey string) {
	e, ok := r.entries[clientKey]
	if !ok {
		return
	}
	if e.mode == ModePassive && e.listener != nil {
		e.listener.Close()
		for port, owner := range r.boundPorts {
			if owner == clientKey {
				delete(r.boundPorts, port)
			}
		}
	}
	delete(r.entries, clientKey)
}
