package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/uspagent/agent/pkg/errors"
)

// Builtins are the agent's own methods
type Builtins struct {
	Params  *ParamStore
	Journal *errors.CrashJournal
}

// RegisterBuiltins registers the built-in methods on d. Methods whose backing
// store is nil are skipped.
func RegisterBuiltins(d *Dispatcher, b Builtins) {
	d.Register("echo", handleEcho)
	d.Register("file.stat", d.handleFileStat)
	d.Register("vendor.call", d.handleVendorCall)
	d.Register("errors.history", d.handleErrorHistory)

	if b.Params != nil {
		d.Register("get", d.paramGet(b.Params))
		d.Register("set", d.paramSet(b.Params))
		d.Register("delete", d.paramDelete(b.Params))
		d.Register("list", d.paramList(b.Params))
	}
	if b.Journal != nil {
		d.Register("crash.stats", crashStats(b.Journal))
	}
}

func decodeParams(sys *errors.System, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		sys.SetMessage("Invalid params: %v", err)
		return withCode(InvalidParams, err)
	}
	return nil
}

func handleEcho(_ context.Context, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

type pathParams struct {
	Path string `json:"path"`
}

type setParams struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// validatePath checks that a parameter path is rooted at Device. and, for a
// single parameter, is not a partial path.
func (d *Dispatcher) validatePath(path string, partial bool) error {
	if !strings.HasPrefix(path, "Device.") {
		d.sys.SetMessage("Path %q is not rooted at Device.", path)
		return withCode(InvalidParams, fmt.Errorf("invalid path %q", path))
	}
	if !partial && strings.HasSuffix(path, ".") {
		d.sys.SetMessage("Path %q is a partial path", path)
		return withCode(InvalidParams, fmt.Errorf("partial path %q", path))
	}
	return nil
}

// reportStoreError turns a parameter store failure into the canonical message
func (d *Dispatcher) reportStoreError(site errors.Site, op, path string, err error) error {
	if stderrors.Is(err, ErrParamNotFound) {
		d.sys.SetMessage("Parameter %s does not exist", path)
		return withCode(ParamNotFound, err)
	}
	d.sys.SetMessageSQL(site, op, err)
	return err
}

func (d *Dispatcher) paramGet(store *ParamStore) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p pathParams
		if err := decodeParams(d.sys, raw, &p); err != nil {
			return nil, err
		}
		if err := d.validatePath(p.Path, false); err != nil {
			return nil, err
		}

		value, err := store.Get(ctx, p.Path)
		if err != nil {
			return nil, d.reportStoreError(errors.Here(), "SELECT", p.Path, err)
		}
		return map[string]string{p.Path: value}, nil
	}
}

func (d *Dispatcher) paramSet(store *ParamStore) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p setParams
		if err := decodeParams(d.sys, raw, &p); err != nil {
			return nil, err
		}
		if err := d.validatePath(p.Path, false); err != nil {
			return nil, err
		}

		if err := store.Set(ctx, p.Path, p.Value); err != nil {
			return nil, d.reportStoreError(errors.Here(), "INSERT", p.Path, err)
		}
		return map[string]string{p.Path: p.Value}, nil
	}
}

func (d *Dispatcher) paramDelete(store *ParamStore) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p pathParams
		if err := decodeParams(d.sys, raw, &p); err != nil {
			return nil, err
		}
		if err := d.validatePath(p.Path, false); err != nil {
			return nil, err
		}

		if err := store.Delete(ctx, p.Path); err != nil {
			return nil, d.reportStoreError(errors.Here(), "DELETE", p.Path, err)
		}
		return map[string]bool{"deleted": true}, nil
	}
}

func (d *Dispatcher) paramList(store *ParamStore) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p pathParams
		if err := decodeParams(d.sys, raw, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			p.Path = "Device."
		}
		if err := d.validatePath(p.Path, true); err != nil {
			return nil, err
		}

		params, err := store.List(ctx, p.Path)
		if err != nil {
			return nil, d.reportStoreError(errors.Here(), "SELECT", p.Path, err)
		}
		return params, nil
	}
}

type fileInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	ModTime string `json:"mod_time"`
}

func (d *Dispatcher) handleFileStat(_ context.Context, raw json.RawMessage) (any, error) {
	var p pathParams
	if err := decodeParams(d.sys, raw, &p); err != nil {
		return nil, err
	}

	info, err := os.Stat(p.Path)
	if err != nil {
		d.sys.SetMessageErrno(errors.Here(), "stat", err)
		return nil, err
	}

	return fileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

type vendorParams struct {
	Name string `json:"name"`
}

func (d *Dispatcher) handleVendorCall(_ context.Context, raw json.RawMessage) (any, error) {
	var p vendorParams
	if err := decodeParams(d.sys, raw, &p); err != nil {
		return nil, err
	}

	fn, ok := d.VendorHook(p.Name)
	if !ok {
		d.sys.SetMessage("Vendor hook %s is not registered", p.Name)
		return nil, withCode(MethodNotFound, fmt.Errorf("unknown vendor hook %q", p.Name))
	}

	if err := d.CallVendorHook(p.Name, fn); err != nil {
		return nil, err
	}
	return map[string]string{"hook": p.Name, "status": "ok"}, nil
}

type historyParams struct {
	Limit int `json:"limit"`
}

// handleErrorHistory returns the most recent error messages, oldest first
func (d *Dispatcher) handleErrorHistory(_ context.Context, raw json.RawMessage) (any, error) {
	var p historyParams
	if err := decodeParams(d.sys, raw, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 16
	}
	entries := d.sys.History(p.Limit)
	if entries == nil {
		entries = []errors.MessageEntry{}
	}
	return entries, nil
}

func crashStats(journal *errors.CrashJournal) Handler {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		stats, err := journal.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("crash journal: %w", err)
		}
		return stats, nil
	}
}
