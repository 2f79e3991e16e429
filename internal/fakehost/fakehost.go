// Package fakehost is an in-process extension manager for tests. It speaks
// the same wire protocol as osqueryd over a unix socket, keeps registrations
// in memory and forwards call requests to the extension that owns the route.
package fakehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/snowmerak/osquery.go/lib/client"
	"github.com/snowmerak/osquery.go/lib/osquery"
	"github.com/snowmerak/osquery.go/lib/thrift"
	"github.com/snowmerak/osquery.go/lib/transport"
)

// SDKVersion is the version the fake host reports and checks min_sdk_version
// against.
const SDKVersion = "5.0.0"

// Registration is one extension known to the host.
type Registration struct {
	UUID     osquery.ExtensionRouteUUID
	Info     osquery.InternalExtensionInfo
	Registry osquery.ExtensionRegistry
}

// Option configures a Host.
type Option func(*Host)

// WithOption adds a host option reported by options().
func WithOption(name, value string) Option {
	return func(h *Host) {
		h.options[name] = &osquery.InternalOptionInfo{Value: value, DefaultValue: value, Type: "string"}
	}
}

// WithQuery makes query(sql) answer rows.
func WithQuery(sql string, rows osquery.ExtensionPluginResponse) Option {
	return func(h *Host) {
		h.queries[sql] = rows
	}
}

// WithRejection makes every registration fail with message.
func WithRejection(message string) Option {
	return func(h *Host) {
		h.reject = message
	}
}

// WithUnframed makes the host speak the unframed layout of a stock osqueryd
// on its own socket and toward extensions.
func WithUnframed() Option {
	return func(h *Host) {
		h.transportOpts = append(h.transportOpts, transport.WithUnframed(thrift.ReadMessage))
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// Host is a fake extension manager.
type Host struct {
	path   string
	ln     *transport.Listener
	logger logrus.FieldLogger

	options osquery.InternalOptionList
	queries map[string]osquery.ExtensionPluginResponse
	reject  string

	transportOpts []transport.Option

	mu         sync.Mutex
	nextID     int64
	extensions map[osquery.ExtensionRouteUUID]*Registration
	conns      map[*transport.Conn]struct{}
	closed     bool

	pings atomic.Int64
	wg    sync.WaitGroup
}

// Start runs a host on a fresh socket and stops it when the test ends.
func Start(t testing.TB, opts ...Option) *Host {
	t.Helper()
	// Unix socket paths are short; t.TempDir can exceed the limit.
	dir, err := os.MkdirTemp("", "fakehost")
	if err != nil {
		t.Fatalf("fakehost: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	h, err := New(filepath.Join(dir, "osquery.em"), opts...)
	if err != nil {
		t.Fatalf("fakehost: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

// New listens on path and starts serving.
func New(path string, opts ...Option) (*Host, error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	h := &Host{
		path:       path,
		logger:     discard,
		options:    osquery.InternalOptionList{},
		queries:    map[string]osquery.ExtensionPluginResponse{},
		extensions: map[osquery.ExtensionRouteUUID]*Registration{},
		conns:      map[*transport.Conn]struct{}{},
	}
	for _, opt := range opts {
		opt(h)
	}

	ln, err := transport.Listen(path, h.transportOpts...)
	if err != nil {
		return nil, err
	}
	h.ln = ln

	h.wg.Add(1)
	go h.acceptLoop()
	return h, nil
}

// Path is the manager socket path.
func (h *Host) Path() string { return h.path }

// Pings counts ping calls received.
func (h *Host) Pings() int64 { return h.pings.Load() }

// Registrations returns the registered extensions ordered by id.
func (h *Host) Registrations() []Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Registration, 0, len(h.extensions))
	for _, r := range h.extensions {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Registered reports whether an extension with id is registered.
func (h *Host) Registered(id osquery.ExtensionRouteUUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.extensions[id]
	return ok
}

// Forget drops a registration, as osqueryd does for an extension that
// missed its pings.
func (h *Host) Forget(id osquery.ExtensionRouteUUID) {
	h.mu.Lock()
	delete(h.extensions, id)
	h.mu.Unlock()
}

// ExtensionSocket is the socket path an extension with id listens on.
func (h *Host) ExtensionSocket(id osquery.ExtensionRouteUUID) string {
	return fmt.Sprintf("%s.%d", h.path, id)
}

// DialExtension connects to a registered extension's socket.
func (h *Host) DialExtension(ctx context.Context, id osquery.ExtensionRouteUUID) (*client.Client, error) {
	return client.Dial(ctx, h.ExtensionSocket(id), client.WithTransportOptions(h.transportOpts...))
}

// Kill stops the host abruptly: the listener goes away and every open
// connection is closed.
func (h *Host) Kill() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*transport.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	_ = h.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close kills the host and waits for its goroutines.
func (h *Host) Close() {
	h.Kill()
	h.wg.Wait()
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.conns[conn] = struct{}{}
		h.mu.Unlock()

		h.wg.Add(1)
		go h.serveConn(conn)
	}
}

func (h *Host) serveConn(conn *transport.Conn) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	ctx := context.Background()
	log := h.logger.WithField("conn", uuid.NewString())
	for {
		frame, err := conn.RecvFrame(ctx)
		if err != nil {
			return
		}
		reply, err := h.handle(ctx, frame)
		if err != nil {
			log.WithError(err).Warn("fakehost: bad message")
			return
		}
		if err := conn.SendFrame(ctx, reply); err != nil {
			return
		}
	}
}

func (h *Host) handle(ctx context.Context, frame []byte) ([]byte, error) {
	hdr, r, err := thrift.DecodeHeader(frame)
	if err != nil {
		return nil, err
	}

	var result thrift.Struct
	switch hdr.Name {
	case osquery.MethodPing:
		err = thrift.DecodeBody(r, thrift.Empty{})
		h.pings.Add(1)
		result = &osquery.StatusResult{Success: osquery.Success()}

	case osquery.MethodExtensions:
		err = thrift.DecodeBody(r, thrift.Empty{})
		result = &osquery.ExtensionsResult{Success: h.extensionList()}

	case osquery.MethodOptions:
		err = thrift.DecodeBody(r, thrift.Empty{})
		result = &osquery.OptionsResult{Success: h.options}

	case osquery.MethodRegisterExtension:
		args := &osquery.RegisterExtensionArgs{}
		if err = thrift.DecodeBody(r, args); err == nil {
			result = &osquery.StatusResult{Success: h.register(args)}
		}

	case osquery.MethodDeregisterExtension:
		args := &osquery.DeregisterExtensionArgs{}
		if err = thrift.DecodeBody(r, args); err == nil {
			result = &osquery.StatusResult{Success: h.deregister(args.UUID)}
		}

	case osquery.MethodQuery:
		args := &osquery.SQLArgs{}
		if err = thrift.DecodeBody(r, args); err == nil {
			result = &osquery.ResponseResult{Success: h.query(args.SQL)}
		}

	case osquery.MethodGetQueryColumns:
		args := &osquery.SQLArgs{}
		if err = thrift.DecodeBody(r, args); err == nil {
			result = &osquery.ResponseResult{Success: h.queryColumns(args.SQL)}
		}

	case osquery.MethodCall:
		args := &osquery.CallArgs{}
		if err = thrift.DecodeBody(r, args); err == nil {
			result = &osquery.ResponseResult{Success: h.route(ctx, args)}
		}

	default:
		ex := thrift.NewApplicationException(thrift.ExceptionUnknownMethod, "unknown method %s", hdr.Name)
		return thrift.EncodeMessage(thrift.Header{Name: hdr.Name, Type: thrift.EXCEPTION, SeqID: hdr.SeqID}, ex), nil
	}
	if err != nil {
		return nil, err
	}
	return thrift.EncodeMessage(thrift.Header{Name: hdr.Name, Type: thrift.REPLY, SeqID: hdr.SeqID}, result), nil
}

func (h *Host) extensionList() osquery.InternalExtensionList {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := osquery.InternalExtensionList{}
	for id, r := range h.extensions {
		info := r.Info
		list[id] = &info
	}
	return list
}

func (h *Host) register(args *osquery.RegisterExtensionArgs) *osquery.ExtensionStatus {
	if h.reject != "" {
		return &osquery.ExtensionStatus{Code: int32(osquery.ExtFailed), Message: h.reject}
	}
	if args.Info == nil || args.Info.Name == "" {
		return osquery.Failure("Extension info is missing a name")
	}
	if args.Info.MinSDKVersion != "" && compareVersions(args.Info.MinSDKVersion, SDKVersion) > 0 {
		return osquery.Failure("Extension requires SDK %s, host provides %s", args.Info.MinSDKVersion, SDKVersion)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.extensions {
		if r.Info.Name == args.Info.Name {
			return osquery.Failure("Duplicate extension registered: %s", args.Info.Name)
		}
	}
	h.nextID++
	id := osquery.ExtensionRouteUUID(h.nextID)
	h.extensions[id] = &Registration{UUID: id, Info: *args.Info, Registry: args.Registry}

	status := osquery.Success()
	status.UUID = id
	return status
}

func (h *Host) deregister(id osquery.ExtensionRouteUUID) *osquery.ExtensionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.extensions[id]; !ok {
		return osquery.Failure("No extension UUID registered")
	}
	delete(h.extensions, id)
	return osquery.Success()
}

func (h *Host) query(sql string) *osquery.ExtensionResponse {
	rows, ok := h.queries[sql]
	if !ok {
		return &osquery.ExtensionResponse{Status: osquery.Failure("no such table: %s", sql), Response: osquery.ExtensionPluginResponse{}}
	}
	return &osquery.ExtensionResponse{Status: osquery.Success(), Response: rows}
}

func (h *Host) queryColumns(sql string) *osquery.ExtensionResponse {
	rows, ok := h.queries[sql]
	if !ok {
		return &osquery.ExtensionResponse{Status: osquery.Failure("no such table: %s", sql), Response: osquery.ExtensionPluginResponse{}}
	}
	var names []string
	if len(rows) > 0 {
		names = thrift.SortedKeys(rows[0])
	}
	cols := make(osquery.ExtensionPluginResponse, 0, len(names))
	for _, name := range names {
		cols = append(cols, map[string]string{name: "TEXT"})
	}
	return &osquery.ExtensionResponse{Status: osquery.Success(), Response: cols}
}

// route forwards a call to the extension that registered registry/item.
func (h *Host) route(ctx context.Context, args *osquery.CallArgs) *osquery.ExtensionResponse {
	owner, ok := h.owner(args.Registry, args.Item)
	if !ok {
		return &osquery.ExtensionResponse{
			Status:   osquery.Failure("Unknown registry plugin: %s/%s", args.Registry, args.Item),
			Response: osquery.ExtensionPluginResponse{},
		}
	}

	c, err := h.DialExtension(ctx, owner)
	if err != nil {
		return &osquery.ExtensionResponse{Status: osquery.Failure("%v", err), Response: osquery.ExtensionPluginResponse{}}
	}
	defer c.Close()

	resp, err := c.Call(ctx, args.Registry, args.Item, args.Request)
	if err != nil {
		return &osquery.ExtensionResponse{Status: osquery.Failure("%v", err), Response: osquery.ExtensionPluginResponse{}}
	}
	return resp
}

func (h *Host) owner(registry, item string) (osquery.ExtensionRouteUUID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.extensions {
		if _, ok := r.Registry[registry][item]; ok {
			return id, true
		}
	}
	return 0, false
}

// compareVersions orders dotted numeric versions. Non-numeric parts compare
// as zero.
func compareVersions(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ErrNotRegistered is returned by WaitRegistered when no extension appeared.
var ErrNotRegistered = errors.New("fakehost: no extension registered")

// WaitRegistered blocks until an extension named name is registered or ctx
// ends.
func (h *Host) WaitRegistered(ctx context.Context, name string) (Registration, error) {
	for {
		for _, r := range h.Registrations() {
			if r.Info.Name == name {
				return r, nil
			}
		}
		select {
		case <-ctx.Done():
			return Registration{}, fmt.Errorf("%w: %s", ErrNotRegistered, name)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
