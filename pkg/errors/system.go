package errors

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/uspagent/agent/pkg/logger"
)

// DefaultMaxLen is the default capacity of the error message, terminator
// included, so at most DefaultMaxLen-1 bytes of text are kept.
const DefaultMaxLen = 512

// Sink is the logging side of the core
type Sink interface {
	Puts(t logger.LogType, text string)
	Callstack()
	Verbosity() logger.Verbosity
}

// Config configures the error-reporting system
type Config struct {
	// MaxLen is the message capacity (0 = DefaultMaxLen, minimum 2)
	MaxLen int

	// HistorySize is the number of recent messages kept (0 = 16, <0 disables)
	HistorySize int

	// CallstackDebug logs a callstack on every SetMessage
	CallstackDebug bool

	// Sink receives log lines (nil = global logger)
	Sink Sink

	// Oracle identifies the owning goroutine (nil = unbound ThreadOracle)
	Oracle Oracle

	// Registerer receives the metrics (nil = not registered)
	Registerer prometheus.Registerer

	// Crash journal; an empty path disables it
	JournalPath     string
	RetentionDays   int
	CleanupSchedule string
	RecordTimeout   time.Duration

	// Abort replaces the process abort. Tests only.
	Abort func()
}

// System holds the canonical error message and the fatal paths that go with
// it. One System is built at startup and handed to the dispatcher.
type System struct {
	sink           Sink
	oracle         Oracle
	maxLen         int
	callstackDebug atomic.Bool

	message atomic.Pointer[string]

	history *RingBuffer
	metrics *Metrics
	journal *CrashJournal
	crash   *CrashHandler
	abort   func()

	recordTimeout   time.Duration
	cleanupSchedule string
	cron            *cron.Cron

	mu      sync.Mutex
	started bool
}

var emptyMessage = ""

// New creates an error-reporting system. The crash handler is not installed
// until Init is called.
func New(cfg Config) (*System, error) {
	if cfg.MaxLen == 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.MaxLen < 2 {
		return nil, fmt.Errorf("message capacity must be at least 2, got %d", cfg.MaxLen)
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = 16
	}
	if cfg.Sink == nil {
		cfg.Sink = logger.Global().WithComponent("errors")
	}
	if cfg.Oracle == nil {
		cfg.Oracle = NewThreadOracle()
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 2 * time.Second
	}
	if cfg.Abort == nil {
		cfg.Abort = abortProcess
	}

	s := &System{
		sink:            cfg.Sink,
		oracle:          cfg.Oracle,
		maxLen:          cfg.MaxLen,
		metrics:         NewMetrics(cfg.Registerer),
		abort:           cfg.Abort,
		recordTimeout:   cfg.RecordTimeout,
		cleanupSchedule: cfg.CleanupSchedule,
	}
	s.message.Store(&emptyMessage)
	s.callstackDebug.Store(cfg.CallstackDebug)

	if cfg.HistorySize > 0 {
		s.history = NewRingBuffer(cfg.HistorySize)
	}

	if cfg.JournalPath != "" {
		journal, err := NewCrashJournal(JournalConfig{
			Path:          cfg.JournalPath,
			RetentionDays: cfg.RetentionDays,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open crash journal: %w", err)
		}
		s.journal = journal
	}

	s.crash = newCrashHandler(s)

	return s, nil
}

// Init installs the crash diagnostic handler. Safe to call more than once.
func (s *System) Init() {
	s.crash.install()
}

// Start reports any crash left unacknowledged by a previous run and schedules
// journal cleanup.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.journal != nil {
		if rec, err := s.journal.Latest(ctx, true); err == nil && rec != nil {
			s.sink.Puts(logger.LogTypeWarning, fmt.Sprintf(
				"previous run ended with %s at %s: %s (crash id %s)",
				rec.Kind, rec.OccurredAt.UTC().Format(time.RFC3339), rec.Message, rec.ID))
		}

		if s.cleanupSchedule != "" {
			c := cron.New()
			if _, err := c.AddFunc(s.cleanupSchedule, s.cleanupJournal); err != nil {
				return fmt.Errorf("invalid cleanup schedule %q: %w", s.cleanupSchedule, err)
			}
			c.Start()
			s.cron = c
		}
	}

	s.started = true
	return nil
}

// Stop stops scheduled work and closes the crash journal. The crash handler
// stays installed for the life of the process.
func (s *System) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}

	s.started = false

	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

func (s *System) cleanupJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.journal.Cleanup(ctx)
	if err != nil {
		if s.logEnabled() {
			s.sink.Puts(logger.LogTypeError, "crash journal cleanup failed: "+err.Error())
		}
		return
	}
	if n > 0 && s.sink.Verbosity() >= logger.VerbosityInfo {
		s.sink.Puts(logger.LogTypeInfo, fmt.Sprintf("crash journal cleanup removed %d entries", n))
	}
}

// SetCallstackDebug toggles callstack logging on SetMessage
func (s *System) SetCallstackDebug(enabled bool) {
	s.callstackDebug.Store(enabled)
}

// MaxLen returns the message capacity
func (s *System) MaxLen() int {
	return s.maxLen
}

// Oracle returns the thread identity oracle
func (s *System) Oracle() Oracle {
	return s.oracle
}

// Journal returns the crash journal, or nil when disabled
func (s *System) Journal() *CrashJournal {
	return s.journal
}

// Metrics returns the system's metrics
func (s *System) Metrics() *Metrics {
	return s.metrics
}

// History returns the last n recorded messages, oldest first
func (s *System) History(n int) []MessageEntry {
	if s.history == nil {
		return nil
	}
	return s.history.GetLast(n)
}

func (s *System) logEnabled() bool {
	return s.sink.Verbosity() >= logger.VerbosityError
}

// Global system instance
var (
	globalSystem   *System
	globalSystemMu sync.RWMutex
	defaultOnce    sync.Once
	defaultSystem  *System
)

// SetGlobalSystem sets the global error system
func SetGlobalSystem(system *System) {
	globalSystemMu.Lock()
	defer globalSystemMu.Unlock()
	globalSystem = system
}

// GetGlobalSystem returns the global error system. Without one, a default
// system with no owner and no journal is returned.
func GetGlobalSystem() *System {
	globalSystemMu.RLock()
	sys := globalSystem
	globalSystemMu.RUnlock()
	if sys != nil {
		return sys
	}

	defaultOnce.Do(func() {
		defaultSystem, _ = New(Config{})
	})
	return defaultSystem
}
