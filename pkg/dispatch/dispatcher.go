// Package dispatch runs controller requests on the agent's owning goroutine.
//
// Every handler executes on a single goroutine locked to its OS thread and
// bound as the owner of the error message, so a handler reports failure with
// errors.SetMessage and the dispatcher reads the text back with GetMessage
// when it builds the response. Requests may be submitted from any goroutine.
package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/uspagent/agent/pkg/errors"
	"github.com/uspagent/agent/pkg/logger"
)

var (
	ErrNotRunning     = stderrors.New("dispatcher not running")
	ErrAlreadyRunning = stderrors.New("dispatcher already running")
)

// Handler executes one method. It runs on the owning goroutine and reports
// failures through the error system before returning a non-nil error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Config configures a dispatcher
type Config struct {
	System     *errors.System
	Logger     *logger.Logger
	Registerer prometheus.Registerer
	QueueSize  int
}

type job struct {
	ctx   context.Context
	req   *Request
	reply chan *Response
}

// Dispatcher serialises requests onto the owning goroutine
type Dispatcher struct {
	sys    *errors.System
	oracle *errors.ThreadOracle
	log    *logger.Logger

	handlers    map[string]Handler
	vendorHooks map[string]func() error
	mu          sync.RWMutex

	jobs    chan job
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	runMu   sync.Mutex

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates a dispatcher. When the system's oracle is a ThreadOracle the
// dispatcher goroutine binds it on Start.
func New(cfg Config) *Dispatcher {
	if cfg.System == nil {
		cfg.System = errors.GetGlobalSystem()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}

	d := &Dispatcher{
		sys:         cfg.System,
		log:         cfg.Logger.WithComponent("dispatch"),
		handlers:    make(map[string]Handler),
		vendorHooks: make(map[string]func() error),
		jobs:        make(chan job, cfg.QueueSize),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usp_dispatch_requests_total",
				Help: "Total number of dispatched requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "usp_dispatch_request_duration_seconds",
				Help:    "Time spent handling requests on the owning goroutine",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
	if o, ok := cfg.System.Oracle().(*errors.ThreadOracle); ok {
		d.oracle = o
	}

	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(d.requests, d.duration)
	}

	return d
}

// Register adds a handler for a method, replacing any existing one
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Methods returns the registered method names
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	methods := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		methods = append(methods, m)
	}
	return methods
}

// Start launches the owning goroutine
func (d *Dispatcher) Start() error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.done = make(chan struct{})
	d.running = true

	started := make(chan struct{})
	go d.run(started)
	<-started

	return nil
}

// Stop stops the owning goroutine. Queued requests are abandoned.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if !d.running {
		return
	}
	d.cancel()
	<-d.done
	d.running = false
}

func (d *Dispatcher) run(started chan<- struct{}) {
	defer close(d.done)

	if d.oracle != nil {
		d.oracle.Bind()
		defer d.oracle.Unbind()
	}
	close(started)

	d.sys.Guard(func() {
		for {
			select {
			case <-d.ctx.Done():
				return
			case j := <-d.jobs:
				j.reply <- d.handle(j.ctx, j.req)
			}
		}
	})
}

// Submit queues a request and waits for its response
func (d *Dispatcher) Submit(ctx context.Context, req *Request) (*Response, error) {
	d.runMu.Lock()
	running, dctx := d.running, d.ctx
	d.runMu.Unlock()

	if !running {
		return nil, ErrNotRunning
	}

	j := job{ctx: ctx, req: req, reply: make(chan *Response, 1)}

	select {
	case d.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-dctx.Done():
		return nil, ErrNotRunning
	}

	select {
	case resp := <-j.reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-dctx.Done():
		return nil, ErrNotRunning
	}
}

// handle processes a single request on the owning goroutine
func (d *Dispatcher) handle(ctx context.Context, req *Request) *Response {
	start := time.Now()
	log := d.log.WithRequestID(uuid.NewString())

	if req.JSONRPC != "2.0" {
		d.requests.WithLabelValues(req.Method, "invalid").Inc()
		return errorResponse(req.ID, InvalidRequest, "invalid JSON-RPC version")
	}

	// A stale message from an earlier request must not leak into this one
	d.sys.ClearMessage()

	d.mu.RLock()
	h, ok := d.handlers[req.Method]
	d.mu.RUnlock()

	if !ok {
		d.sys.SetMessage("Method %s is not supported", req.Method)
		d.requests.WithLabelValues(req.Method, "unknown").Inc()
		return errorResponse(req.ID, MethodNotFound, d.sys.GetMessage())
	}

	result, err := h(ctx, req.Params)
	d.duration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	if err != nil {
		d.sys.ReplaceEmptyMessage("%s failed: %v", req.Method, err)
		d.requests.WithLabelValues(req.Method, "error").Inc()

		code := InternalError
		var coded *CodedError
		if stderrors.As(err, &coded) {
			code = coded.Code
		}

		msg := d.sys.GetMessage()
		log.Debug("request failed", "method", req.Method, "error", msg)
		return errorResponse(req.ID, code, msg)
	}

	d.requests.WithLabelValues(req.Method, "ok").Inc()
	log.Debug("request handled", "method", req.Method, "duration", time.Since(start))

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
	}
}

// RegisterVendorHook adds a vendor-supplied hook callable through
// CallVendorHook
func (d *Dispatcher) RegisterVendorHook(name string, fn func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vendorHooks[name] = fn
}

// VendorHook returns a registered vendor hook
func (d *Dispatcher) VendorHook(name string) (func() error, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.vendorHooks[name]
	return fn, ok
}

// CallVendorHook runs a vendor hook with a clean error message. A hook that
// fails without setting a message gets a generic one naming it. Must be
// called on the owning goroutine, normally from a handler.
func (d *Dispatcher) CallVendorHook(name string, fn func() error) error {
	d.sys.ClearMessage()

	if err := fn(); err != nil {
		d.sys.ReplaceEmptyMessage("Vendor hook %s failed: %v", name, err)
		return withCode(VendorFailure, fmt.Errorf("vendor hook %s: %w", name, err))
	}
	return nil
}

// Serve reads newline-delimited requests from r and writes one response per
// line to w until r is exhausted or ctx is cancelled. Requests without an ID
// are notifications and get no response.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	encoder := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := encoder.Encode(errorResponse(nil, ParseError, err.Error())); err != nil {
				return err
			}
			continue
		}

		resp, err := d.Submit(ctx, &req)
		if err != nil {
			return err
		}

		if req.ID == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}

	return scanner.Err()
}
