package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uspagent/agent/pkg/errors"
	"github.com/uspagent/agent/pkg/logger"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *errors.System) {
	t.Helper()

	log := logger.NewWithWriter(io.Discard, "text", logger.VerbosityDebug, "test", "dev")
	sys, err := errors.New(errors.Config{
		Sink:  log,
		Abort: func() {},
	})
	require.NoError(t, err)

	d := New(Config{System: sys, Logger: log, QueueSize: 4})
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		d.Stop()
		sys.Stop()
	})
	return d, sys
}

func call(t *testing.T, d *Dispatcher, method string, params any) *Response {
	t.Helper()

	req := &Request{JSONRPC: "2.0", ID: 1, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		req.Params = raw
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := d.Submit(ctx, req)
	require.NoError(t, err)
	return resp
}

func TestDispatcher_HandlersRunOnOwner(t *testing.T) {
	d, sys := newTestDispatcher(t)

	var ownerInHandler bool
	d.Register("probe", func(context.Context, json.RawMessage) (any, error) {
		ownerInHandler = sys.Oracle().IsOwner("probe")
		return "ok", nil
	})

	resp := call(t, d, "probe", nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, "ok", resp.Result)
	assert.True(t, ownerInHandler)
	assert.False(t, sys.Oracle().IsOwner("test goroutine"))
}

func TestDispatcher_HandlerMessageBecomesResponse(t *testing.T) {
	d, sys := newTestDispatcher(t)

	d.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		sys.SetMessage("Parameter %s is read only", "Device.DeviceInfo.SerialNumber")
		return nil, fmt.Errorf("read only")
	})

	resp := call(t, d, "fail", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InternalError, resp.Error.Code)
	assert.Equal(t, "Parameter Device.DeviceInfo.SerialNumber is read only", resp.Error.Message)
}

func TestDispatcher_GenericMessageWhenHandlerSetsNone(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("disk full")
	})

	resp := call(t, d, "fail", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "fail failed: disk full", resp.Error.Message)
}

func TestDispatcher_StaleMessageCleared(t *testing.T) {
	d, sys := newTestDispatcher(t)

	d.Register("first", func(context.Context, json.RawMessage) (any, error) {
		sys.SetMessage("first request error")
		return nil, fmt.Errorf("first")
	})
	d.Register("second", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("second")
	})

	call(t, d, "first", nil)
	resp := call(t, d, "second", nil)
	assert.Equal(t, "second failed: second", resp.Error.Message)
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := call(t, d, "no.such.method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
	assert.Equal(t, "Method no.such.method is not supported", resp.Error.Message)

	// The dispatcher keeps serving
	d.Register("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })
	assert.Equal(t, "pong", call(t, d, "ping", nil).Result)
}

func TestDispatcher_InvalidVersion(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp, err := d.Submit(context.Background(), &Request{JSONRPC: "1.0", ID: 7, Method: "echo"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)
	assert.Equal(t, 7, resp.ID)
}

func TestDispatcher_CodedError(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register("coded", func(context.Context, json.RawMessage) (any, error) {
		return nil, withCode(InvalidParams, fmt.Errorf("bad"))
	})

	resp := call(t, d, "coded", nil)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestDispatcher_SubmitNotRunning(t *testing.T) {
	sys, err := errors.New(errors.Config{
		Sink:  logger.NewWithWriter(io.Discard, "text", logger.VerbosityOff, "test", "dev"),
		Abort: func() {},
	})
	require.NoError(t, err)
	defer sys.Stop()

	d := New(Config{System: sys})
	_, err = d.Submit(context.Background(), &Request{JSONRPC: "2.0", Method: "echo"})
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), ErrAlreadyRunning)
	d.Stop()
	d.Stop()

	_, err = d.Submit(context.Background(), &Request{JSONRPC: "2.0", Method: "echo"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestDispatcher_SubmitHonoursContext(t *testing.T) {
	d, _ := newTestDispatcher(t)

	release := make(chan struct{})
	d.Register("block", func(context.Context, json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Submit(ctx, &Request{JSONRPC: "2.0", ID: 1, Method: "block"})
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
}

func TestDispatcher_Metrics(t *testing.T) {
	log := logger.NewWithWriter(io.Discard, "text", logger.VerbosityOff, "test", "dev")
	sys, err := errors.New(errors.Config{Sink: log, Abort: func() {}})
	require.NoError(t, err)
	defer sys.Stop()

	reg := prometheus.NewRegistry()
	d := New(Config{System: sys, Logger: log, Registerer: reg})
	require.NoError(t, d.Start())
	defer d.Stop()

	d.Register("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })
	call(t, d, "ping", nil)
	call(t, d, "ping", nil)
	call(t, d, "missing", nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(d.requests.WithLabelValues("ping", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(d.requests.WithLabelValues("missing", "unknown")))
}

func TestCallVendorHook(t *testing.T) {
	d, sys := newTestDispatcher(t)
	RegisterBuiltins(d, Builtins{})

	d.RegisterVendorHook("reboot", func() error {
		sys.SetMessage("Reboot refused: firmware update in progress")
		return fmt.Errorf("busy")
	})
	d.RegisterVendorHook("factory_reset", func() error {
		return fmt.Errorf("no permission")
	})
	d.RegisterVendorHook("noop", func() error { return nil })

	resp := call(t, d, "vendor.call", vendorParams{Name: "reboot"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, VendorFailure, resp.Error.Code)
	assert.Equal(t, "Reboot refused: firmware update in progress", resp.Error.Message)

	resp = call(t, d, "vendor.call", vendorParams{Name: "factory_reset"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Vendor hook factory_reset failed: no permission", resp.Error.Message)

	resp = call(t, d, "vendor.call", vendorParams{Name: "noop"})
	assert.Nil(t, resp.Error)

	resp = call(t, d, "vendor.call", vendorParams{Name: "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestCallVendorHook_ClearsStaleMessage(t *testing.T) {
	d, sys := newTestDispatcher(t)

	d.Register("two_hooks", func(context.Context, json.RawMessage) (any, error) {
		sys.SetMessage("left over")
		return nil, d.CallVendorHook("get_uptime", func() error { return fmt.Errorf("timeout") })
	})

	resp := call(t, d, "two_hooks", nil)
	assert.Equal(t, "Vendor hook get_uptime failed: timeout", resp.Error.Message)
}

func TestServe(t *testing.T) {
	d, _ := newTestDispatcher(t)
	RegisterBuiltins(d, Builtins{})

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"hello":"world"}}`,
		``,
		`not json`,
		`{"jsonrpc":"2.0","method":"echo"}`,
		`{"jsonrpc":"2.0","id":"b","method":"nope"}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, d.Serve(context.Background(), strings.NewReader(input), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	var first Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, map[string]any{"hello": "world"}, first.Result)

	var parse Response
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &parse))
	assert.Equal(t, ParseError, parse.Error.Code)

	var unknown Response
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &unknown))
	assert.Equal(t, "b", unknown.ID)
	assert.Equal(t, MethodNotFound, unknown.Error.Code)
}

func TestGuardedLoop_FaultInHandler(t *testing.T) {
	log := logger.NewWithWriter(io.Discard, "text", logger.VerbosityOff, "test", "dev")
	aborted := make(chan struct{}, 1)
	sys, err := errors.New(errors.Config{
		Sink:  log,
		Abort: func() { aborted <- struct{}{} },
	})
	require.NoError(t, err)
	defer sys.Stop()

	d := New(Config{System: sys, Logger: log})
	require.NoError(t, d.Start())
	defer d.Stop()

	d.Register("crash", func(context.Context, json.RawMessage) (any, error) {
		var m *map[string]int
		return (*m)["x"], nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _ = d.Submit(ctx, &Request{JSONRPC: "2.0", ID: 1, Method: "crash"})

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "fault in handler did not abort")
	}
}
