package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"syscall"

	"modernc.org/sqlite"
)

// Site identifies the place where a failure was detected
type Site struct {
	Func string
	Line int
}

// String renders the site as "Func(Line)"
func (s Site) String() string {
	return fmt.Sprintf("%s(%d)", s.Func, s.Line)
}

// Here returns the caller's site
func Here() Site {
	return callerSite(1)
}

func callerSite(skip int) Site {
	pc, _, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Site{Func: "unknown"}
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = shortFuncName(fn.Name())
	}
	return Site{Func: name, Line: line}
}

// shortFuncName drops the import path and package name:
// "github.com/x/agent/pkg/dispatch.(*Dispatcher).handle" -> "(*Dispatcher).handle"
func shortFuncName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		name = name[i+1:]
	}
	return name
}

// SetMessageErrno sets the message for a failed OS call. The code is the
// errno found in err's chain, the description its strerror text.
func (s *System) SetMessageErrno(site Site, op string, err error) {
	code, desc := errnoDetail(err)
	s.setFailure(site, op, code, desc)
}

// SetMessageSQL sets the message for a failed SQLite operation using the
// extended result code.
func (s *System) SetMessageSQL(site Site, op string, err error) {
	code, desc := sqlDetail(err, true)
	s.setFailure(site, op, code, desc)
}

// SetMessageSQLParam sets the message for a failed SQLite parameter binding
// using the primary result code.
func (s *System) SetMessageSQLParam(site Site, op string, err error) {
	code, desc := sqlDetail(err, false)
	s.setFailure(site, op, code, desc)
}

func (s *System) setFailure(site Site, op string, code int, desc string) {
	s.SetMessage("%s: %s failed: (err=%d) %s", site, op, code, desc)
}

func errnoDetail(err error) (int, string) {
	if err == nil {
		return 0, "no error reported"
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return int(errno), errno.Error()
	}
	return 0, err.Error()
}

func sqlDetail(err error, extended bool) (int, string) {
	if err == nil {
		return 0, "no error reported"
	}
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		code := se.Code()
		// Error() appends the extended code, which the message already carries
		desc := strings.TrimSuffix(se.Error(), fmt.Sprintf(" (%d)", se.Code()))
		if !extended {
			code &= 0xff
		}
		return code, desc
	}
	return 0, err.Error()
}
