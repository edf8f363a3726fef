// Package extension implements hostlens's out-of-process plugin transport:
// a length-prefixed JSON envelope exchanged over a local stream socket
// (AF_UNIX), with a ping/register handshake and a 5s heartbeat that
// deregisters the extension's plugins from the registry if it goes quiet.
//
// Grounded on spec §6 directly for wire semantics; the uniform
// {action, ...} envelope shape and one-struct-per-message style mirrors
// the teacher's api_registry.go / ui_registry.go JSON request/response
// conventions.
package extension

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/status"
)

// HeartbeatInterval is the cadence extension processes must ping at; a
// missed interval (tolerating one grace period) deregisters the extension.
const HeartbeatInterval = 5 * time.Second

// Envelope is the uniform message exchanged over the extension socket.
type Envelope struct {
	Action    string            `json:"action"`
	RequestID string            `json:"request_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Name      string            `json:"name,omitempty"`
	Schema    []ColumnSchema    `json:"schema,omitempty"`
	Request   registry.Request  `json:"request,omitempty"`
	Response  registry.Response `json:"response,omitempty"`
	Status    *WireStatus       `json:"status,omitempty"`

	// ping response fields
	ServerVersion string `json:"server_version,omitempty"`
	UUID          string `json:"uuid,omitempty"`
}

// ColumnSchema is the wire form of a table's published column list,
// advertised at registration time.
type ColumnSchema struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// WireStatus is the JSON form of status.Status.
type WireStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func toWireStatus(st status.Status) *WireStatus {
	return &WireStatus{Code: int(st.Code), Message: st.Message}
}

func fromWireStatus(ws *WireStatus) status.Status {
	if ws == nil {
		return status.OKStatus
	}
	return status.Status{Code: status.Code(ws.Code), Message: ws.Message}
}

// writeEnvelope writes a length-prefixed (4-byte big-endian) JSON envelope.
func writeEnvelope(w io.Writer, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("extension: marshal envelope: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// readEnvelope reads one length-prefixed JSON envelope.
func readEnvelope(r io.Reader) (Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("extension: unmarshal envelope: %w", err)
	}
	return env, nil
}

// conn wraps one extension connection: its uuid (the key DropExtension
// uses on disconnect/heartbeat timeout) and its socket.
type conn struct {
	uuid        string
	nc          net.Conn
	w           *bufio.Writer
	mu          sync.Mutex // serializes writes to nc
	lastContact time.Time
	lastMu      sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Envelope // request_id -> response channel, for outstanding calls
}

func (c *conn) touch() {
	c.lastMu.Lock()
	c.lastContact = time.Now()
	c.lastMu.Unlock()
}

func (c *conn) idleSince() time.Duration {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return time.Since(c.lastContact)
}

func (c *conn) send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeEnvelope(c.w, env); err != nil {
		return err
	}
	return c.w.Flush()
}

// awaitResponse registers a channel for requestID and returns it; the
// connection's read loop delivers the matching call_response there.
func (c *conn) awaitResponse(requestID string) chan Envelope {
	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *conn) cancelAwait(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

// callTimeout bounds how long a registry.Call waits on an external plugin's
// response before failing with TransientIO.
const callTimeout = 10 * time.Second

// Host accepts extension connections on a local socket and drives the
// ping/register/call handshake, registering advertised plugins in reg and
// routing registry.Call for external plugins back over the wire.
type Host struct {
	SocketPath string
	Registry   *registry.Registry

	mu    sync.Mutex
	conns map[string]*conn // uuid -> conn

	ln net.Listener
}

// NewHost creates a host bound to socketPath, not yet listening.
func NewHost(socketPath string, reg *registry.Registry) *Host {
	return &Host{SocketPath: socketPath, Registry: reg, conns: make(map[string]*conn)}
}

// Serve listens on SocketPath and accepts extension connections until ctx
// is cancelled or the listener errors.
func (h *Host) Serve(ctx context.Context) error {
	ln, err := net.Listen("unix", h.SocketPath)
	if err != nil {
		return fmt.Errorf("extension: listen %s: %w", h.SocketPath, err)
	}
	h.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go h.reapIdleLoop(ctx)

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go h.handleConn(ctx, nc)
	}
}

func (h *Host) reapIdleLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			var stale []string
			for id, c := range h.conns {
				if c.idleSince() > 2*HeartbeatInterval {
					stale = append(stale, id)
				}
			}
			h.mu.Unlock()
			for _, id := range stale {
				h.dropConn(id)
			}
		}
	}
}

func (h *Host) dropConn(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	c.nc.Close()
	removed := h.Registry.DropExtension(id)
	log.Info().Str("extension", id).Strs("plugins_removed", removed).Msg("extension deregistered")
}

func (h *Host) handleConn(ctx context.Context, nc net.Conn) {
	r := bufio.NewReader(nc)
	c := &conn{nc: nc, w: bufio.NewWriter(nc), pending: make(map[string]chan Envelope)}

	for {
		env, err := readEnvelope(r)
		if err != nil {
			if c.uuid != "" {
				h.dropConn(c.uuid)
			}
			return
		}
		c.touch()

		switch env.Action {
		case "ping":
			c.uuid = uuid.NewString()
			h.mu.Lock()
			h.conns[c.uuid] = c
			h.mu.Unlock()
			_ = c.send(Envelope{Action: "pong", ServerVersion: "hostlens", UUID: c.uuid})

		case "register":
			kind := registry.Kind(env.Kind)
			route := registry.ExternalRoute{UUID: c.uuid, Socket: h.SocketPath}
			h.Registry.RegisterExternal(kind, env.Name, route, func() registry.Plugin {
				return &remotePlugin{conn: c, kind: env.Kind, name: env.Name}
			})
			_ = c.send(Envelope{Action: "register_ack", Status: toWireStatus(status.OKStatus)})

		case "heartbeat":
			_ = c.send(Envelope{Action: "heartbeat_ack"})

		case "call_response":
			c.pendingMu.Lock()
			ch, ok := c.pending[env.RequestID]
			if ok {
				delete(c.pending, env.RequestID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- env
			}

		default:
			_ = c.send(Envelope{Action: "error", Status: toWireStatus(status.New(status.Unsupported, "unknown action %q", env.Action))})
		}
	}
}

// remotePlugin is the registry.Plugin adapter for an external plugin: every
// call serializes a request envelope over the owning extension's socket and
// waits for the matching response.
//
// Several calls may be in flight on one connection at once: each carries a
// fresh request id and waits on its own channel in conn.pending, while
// conn.mu only serializes the writes of the request envelopes.
type remotePlugin struct {
	conn *conn
	kind string
	name string
}

func (p *remotePlugin) SetUp() status.Status    { return status.OKStatus }
func (p *remotePlugin) TearDown() status.Status { return status.OKStatus }

func (p *remotePlugin) Call(req registry.Request) (registry.Response, status.Status) {
	requestID := uuid.NewString()
	ch := p.conn.awaitResponse(requestID)

	if err := p.conn.send(Envelope{Action: "call", RequestID: requestID, Kind: p.kind, Name: p.name, Request: req}); err != nil {
		p.conn.cancelAwait(requestID)
		return nil, status.New(status.TransientIO, "extension: send call: %v", err)
	}

	select {
	case env := <-ch:
		return env.Response, fromWireStatus(env.Status)
	case <-time.After(callTimeout):
		p.conn.cancelAwait(requestID)
		return nil, status.New(status.TransientIO, "extension: call to %s/%s timed out", p.kind, p.name)
	}
}
