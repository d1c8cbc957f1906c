package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uspagent/agent/pkg/errors"
)

func newParamStore(t *testing.T) *ParamStore {
	t.Helper()
	store, err := OpenParamStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestParamStore(t *testing.T) {
	store := newParamStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "Device.DeviceInfo.SerialNumber")
	assert.ErrorIs(t, err, ErrParamNotFound)

	require.NoError(t, store.Set(ctx, "Device.DeviceInfo.SerialNumber", "SN-001"))
	require.NoError(t, store.Set(ctx, "Device.DeviceInfo.SerialNumber", "SN-002"))
	require.NoError(t, store.Set(ctx, "Device.WiFi.Radio.1.Enable", "true"))
	require.NoError(t, store.Set(ctx, "Device.WiFi_Other", "x"))

	value, err := store.Get(ctx, "Device.DeviceInfo.SerialNumber")
	require.NoError(t, err)
	assert.Equal(t, "SN-002", value)

	wifi, err := store.List(ctx, "Device.WiFi.")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Device.WiFi.Radio.1.Enable": "true"}, wifi)

	all, err := store.List(ctx, "Device.")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.Delete(ctx, "Device.WiFi_Other"))
	assert.ErrorIs(t, store.Delete(ctx, "Device.WiFi_Other"), ErrParamNotFound)
}

func TestParamStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "datamodel.db")
	ctx := context.Background()

	store, err := OpenParamStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "Device.LocalAgent.EndpointID", "proto::agent"))
	assert.Equal(t, path, store.Path())
	require.NoError(t, store.Close())

	store, err = OpenParamStore(path)
	require.NoError(t, err)
	defer store.Close()

	value, err := store.Get(ctx, "Device.LocalAgent.EndpointID")
	require.NoError(t, err)
	assert.Equal(t, "proto::agent", value)
}

func TestBuiltins_Params(t *testing.T) {
	d, _ := newTestDispatcher(t)
	RegisterBuiltins(d, Builtins{Params: newParamStore(t)})

	resp := call(t, d, "set", setParams{Path: "Device.DeviceInfo.SerialNumber", Value: "SN-9"})
	require.Nil(t, resp.Error)

	resp = call(t, d, "get", pathParams{Path: "Device.DeviceInfo.SerialNumber"})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]string{"Device.DeviceInfo.SerialNumber": "SN-9"}, resp.Result)

	resp = call(t, d, "list", nil)
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result, 1)

	resp = call(t, d, "get", pathParams{Path: "Device.Missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ParamNotFound, resp.Error.Code)
	assert.Equal(t, "Parameter Device.Missing does not exist", resp.Error.Message)

	resp = call(t, d, "delete", pathParams{Path: "Device.DeviceInfo.SerialNumber"})
	require.Nil(t, resp.Error)
}

func TestBuiltins_InvalidPaths(t *testing.T) {
	d, _ := newTestDispatcher(t)
	RegisterBuiltins(d, Builtins{Params: newParamStore(t)})

	tests := []struct {
		method string
		params any
		want   string
	}{
		{"get", pathParams{Path: "Internal.Secret"}, `Path "Internal.Secret" is not rooted at Device.`},
		{"set", setParams{Path: "Device.WiFi.", Value: "x"}, `Path "Device.WiFi." is a partial path`},
		{"list", pathParams{Path: "Other."}, `Path "Other." is not rooted at Device.`},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp := call(t, d, tt.method, tt.params)
			require.NotNil(t, resp.Error)
			assert.Equal(t, InvalidParams, resp.Error.Code)
			assert.Equal(t, tt.want, resp.Error.Message)
		})
	}
}

func TestBuiltins_BadParams(t *testing.T) {
	d, _ := newTestDispatcher(t)
	RegisterBuiltins(d, Builtins{Params: newParamStore(t)})

	resp := call(t, d, "get", []int{1, 2})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
	assert.True(t, strings.HasPrefix(resp.Error.Message, "Invalid params: "), resp.Error.Message)
}

func TestBuiltins_SQLFailure(t *testing.T) {
	d, _ := newTestDispatcher(t)
	store := newParamStore(t)
	RegisterBuiltins(d, Builtins{Params: store})

	_, err := store.db.Exec("DROP TABLE params")
	require.NoError(t, err)

	resp := call(t, d, "get", pathParams{Path: "Device.X"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, ": SELECT failed: (err=1) ")
	assert.True(t, strings.HasSuffix(resp.Error.Message, "no such table: params"), resp.Error.Message)
}

func TestBuiltins_FileStat(t *testing.T) {
	d, _ := newTestDispatcher(t)
	RegisterBuiltins(d, Builtins{})

	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0600))

	resp := call(t, d, "file.stat", pathParams{Path: path})
	require.Nil(t, resp.Error)
	info := resp.Result.(fileInfo)
	assert.Equal(t, "firmware.bin", info.Name)
	assert.Equal(t, int64(3), info.Size)

	resp = call(t, d, "file.stat", pathParams{Path: path + ".missing"})
	require.NotNil(t, resp.Error)
	want := fmt.Sprintf(": stat failed: (err=%d) %s", int(syscall.ENOENT), syscall.ENOENT.Error())
	assert.Contains(t, resp.Error.Message, want)
	assert.Contains(t, resp.Error.Message, "handleFileStat(")
}

func TestBuiltins_CrashStats(t *testing.T) {
	d, _ := newTestDispatcher(t)

	journal, err := errors.NewCrashJournal(errors.JournalConfig{Path: filepath.Join(t.TempDir(), "crashes.db")})
	require.NoError(t, err)
	defer journal.Close()
	require.NoError(t, journal.Record(context.Background(), &errors.CrashRecord{Kind: errors.KindAssert, Message: "x"}))

	RegisterBuiltins(d, Builtins{Journal: journal})

	resp := call(t, d, "crash.stats", nil)
	require.Nil(t, resp.Error)
	stats := resp.Result.(errors.JournalStats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByKind[errors.KindAssert])
}

func TestBuiltins_SkippedWithoutStores(t *testing.T) {
	d, _ := newTestDispatcher(t)
	RegisterBuiltins(d, Builtins{})

	assert.ElementsMatch(t, []string{"echo", "file.stat", "vendor.call", "errors.history"}, d.Methods())
}

func TestBuiltins_ErrorHistory(t *testing.T) {
	d, _ := newTestDispatcher(t)
	RegisterBuiltins(d, Builtins{})

	resp := call(t, d, "errors.history", nil)
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.Result)

	call(t, d, "Device.Reboot", nil)
	call(t, d, "Device.FactoryReset", nil)

	resp = call(t, d, "errors.history", historyParams{Limit: 1})
	require.Nil(t, resp.Error)
	entries := resp.Result.([]errors.MessageEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, "Method Device.FactoryReset is not supported", entries[0].Text)
	assert.Equal(t, errors.ScopeOwner, entries[0].Scope)

	resp = call(t, d, "errors.history", map[string]any{"limit": "all"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}
