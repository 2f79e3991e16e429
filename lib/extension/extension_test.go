package extension_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/osquery.go/internal/fakehost"
	"github.com/snowmerak/osquery.go/lib/client"
	"github.com/snowmerak/osquery.go/lib/extension"
	"github.com/snowmerak/osquery.go/lib/osquery"
	"github.com/snowmerak/osquery.go/lib/plugin"
	"github.com/snowmerak/osquery.go/lib/thrift"
	"github.com/snowmerak/osquery.go/lib/transport"
)

func processes() *plugin.Table {
	return plugin.NewTable("processes",
		[]plugin.Column{plugin.TextColumn("pid"), plugin.TextColumn("name")},
		func(context.Context, plugin.QueryContext) ([]map[string]string, error) {
			return []map[string]string{{"pid": "1", "name": "init"}}, nil
		})
}

type run struct {
	srv    *extension.Server
	cancel context.CancelFunc
	errc   chan error
}

func start(t *testing.T, srv *extension.Server) *run {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{srv: srv, cancel: cancel, errc: make(chan error, 1)}
	go func() { r.errc <- srv.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

func (r *run) ready(t *testing.T) {
	t.Helper()
	select {
	case <-r.srv.Ready():
	case err := <-r.errc:
		t.Fatalf("extension stopped before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("extension not ready")
	}
}

func (r *run) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("extension did not stop")
		return nil
	}
}

func TestServer_RegistersServesAndDeregisters(t *testing.T) {
	host := fakehost.Start(t)
	srv := extension.New("test_ext", host.Path(),
		extension.WithVersion("1.2.3"),
		extension.WithPingInterval(20*time.Millisecond),
	)
	require.NoError(t, srv.RegisterPlugin(processes(), plugin.NewLogger("sink", nil)))

	r := start(t, srv)
	r.ready(t)

	id := srv.UUID()
	require.NotZero(t, id)
	regs := host.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "test_ext", regs[0].Info.Name)
	assert.Equal(t, "1.2.3", regs[0].Info.Version)
	assert.Equal(t, extension.SDKVersion, regs[0].Info.SDKVersion)
	assert.Len(t, regs[0].Registry["table"]["processes"], 2)
	assert.Contains(t, regs[0].Registry["logger"], "sink")

	_, err := os.Stat(host.ExtensionSocket(id))
	require.NoError(t, err)

	// A call routed through the host reaches the extension's dispatcher.
	ctx := context.Background()
	hc, err := client.Dial(ctx, host.Path())
	require.NoError(t, err)
	defer hc.Close()
	resp, err := hc.Call(ctx, "table", "processes", osquery.ExtensionPluginRequest{"action": "generate"})
	require.NoError(t, err)
	require.True(t, resp.Status.OK(), resp.Status.Message)
	assert.Equal(t, osquery.ExtensionPluginResponse{{"pid": "1", "name": "init"}}, resp.Response)

	require.Eventually(t, func() bool { return host.Pings() >= 2 }, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, srv.RegisterPlugin(plugin.NewConfig("late", nil)), plugin.ErrRegistryFrozen)

	r.cancel()
	require.NoError(t, r.result(t))
	assert.False(t, host.Registered(id))
	_, err = os.Stat(host.ExtensionSocket(id))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestServer_Unframed(t *testing.T) {
	host := fakehost.Start(t, fakehost.WithUnframed())
	srv := extension.New("unframed_ext", host.Path(),
		extension.WithUnframed(),
		extension.WithPingInterval(20*time.Millisecond),
	)
	require.NoError(t, srv.RegisterPlugin(processes()))

	r := start(t, srv)
	r.ready(t)

	ctx := context.Background()
	hc, err := client.Dial(ctx, host.Path(),
		client.WithTransportOptions(transport.WithUnframed(thrift.ReadMessage)))
	require.NoError(t, err)
	defer hc.Close()
	resp, err := hc.Call(ctx, "table", "processes", osquery.ExtensionPluginRequest{"action": "generate"})
	require.NoError(t, err)
	require.True(t, resp.Status.OK(), resp.Status.Message)
	assert.Equal(t, osquery.ExtensionPluginResponse{{"pid": "1", "name": "init"}}, resp.Response)

	require.Eventually(t, func() bool { return host.Pings() >= 2 }, 5*time.Second, 10*time.Millisecond)

	r.cancel()
	require.NoError(t, r.result(t))
	assert.False(t, host.Registered(srv.UUID()))
}

func TestServer_HostShutdown(t *testing.T) {
	host := fakehost.Start(t)
	srv := extension.New("test_ext", host.Path())
	require.NoError(t, srv.RegisterPlugin(processes()))

	r := start(t, srv)
	r.ready(t)

	ctx := context.Background()
	ext, err := host.DialExtension(ctx, srv.UUID())
	require.NoError(t, err)
	defer ext.Close()

	status, err := ext.Ping(ctx)
	require.NoError(t, err)
	assert.True(t, status.OK())

	require.NoError(t, ext.Shutdown(ctx))
	assert.NoError(t, r.result(t))
}

func TestServer_ShutdownMethodDeregisters(t *testing.T) {
	host := fakehost.Start(t)
	srv := extension.New("test_ext", host.Path())
	require.NoError(t, srv.RegisterPlugin(processes()))

	r := start(t, srv)
	r.ready(t)
	id := srv.UUID()

	srv.Shutdown()
	require.NoError(t, r.result(t))
	assert.False(t, host.Registered(id))
}

func TestServer_DeregisterAfterHostForgot(t *testing.T) {
	host := fakehost.Start(t)
	srv := extension.New("test_ext", host.Path())
	require.NoError(t, srv.RegisterPlugin(processes()))

	r := start(t, srv)
	r.ready(t)

	host.Forget(srv.UUID())
	r.cancel()
	assert.NoError(t, r.result(t))
}

func TestServer_RegistrationRejected(t *testing.T) {
	host := fakehost.Start(t, fakehost.WithRejection("Incompatible extension SDK"))
	srv := extension.New("test_ext", host.Path())
	require.NoError(t, srv.RegisterPlugin(processes()))

	err := start(t, srv).result(t)
	require.ErrorIs(t, err, extension.ErrRegistrationRejected)
	assert.Contains(t, err.Error(), "Incompatible extension SDK")

	var statusErr *osquery.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, osquery.ExtFailed, statusErr.Code)
}

func TestServer_MinSDKVersionChecked(t *testing.T) {
	host := fakehost.Start(t)
	srv := extension.New("test_ext", host.Path(), extension.WithMinSDKVersion("9.0.0"))

	err := start(t, srv).result(t)
	assert.ErrorIs(t, err, extension.ErrRegistrationRejected)
}

func TestServer_DuplicateName(t *testing.T) {
	host := fakehost.Start(t)
	first := start(t, extension.New("dup", host.Path()))
	first.ready(t)

	err := start(t, extension.New("dup", host.Path())).result(t)
	require.ErrorIs(t, err, extension.ErrRegistrationRejected)
	assert.Contains(t, err.Error(), "Duplicate")
}

func TestServer_HostLoss(t *testing.T) {
	host := fakehost.Start(t)
	srv := extension.New("test_ext", host.Path(), extension.WithPingInterval(20*time.Millisecond))
	require.NoError(t, srv.RegisterPlugin(processes()))

	r := start(t, srv)
	r.ready(t)

	host.Kill()
	assert.ErrorIs(t, r.result(t), extension.ErrHostUnreachable)
}

func TestServer_ManagerUnreachable(t *testing.T) {
	dir, err := os.MkdirTemp("", "oqe")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	srv := extension.New("test_ext", dir+"/missing.em", extension.WithConnectRetries(2))
	err = start(t, srv).result(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to manager")
}

func TestServer_ClientQueriesHost(t *testing.T) {
	host := fakehost.Start(t,
		fakehost.WithQuery("select version from osquery_info", osquery.ExtensionPluginResponse{{"version": "5.12.1"}}),
		fakehost.WithOption("logger_plugin", "filesystem"),
	)
	srv := extension.New("test_ext", host.Path())
	assert.Nil(t, srv.Client())

	r := start(t, srv)
	r.ready(t)

	ctx := context.Background()
	c := srv.Client()
	require.NotNil(t, c)

	resp, err := c.Query(ctx, "select version from osquery_info")
	require.NoError(t, err)
	require.True(t, resp.Status.OK())
	assert.Equal(t, "5.12.1", resp.Response[0]["version"])

	resp, err = c.Query(ctx, "select * from nope")
	require.NoError(t, err)
	assert.False(t, resp.Status.OK())

	values, err := c.OptionValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, "filesystem", values["logger_plugin"])
}

func TestSocketPath(t *testing.T) {
	assert.Equal(t, "/var/osquery/osquery.em.42", extension.SocketPath("/var/osquery/osquery.em", 42))
}
