package errors

// Package-level helpers forwarding to the global system

// SetMessage sets the canonical message on the global system
func SetMessage(format string, args ...any) {
	GetGlobalSystem().SetMessage(format, args...)
}

// ReplaceEmptyMessage fills the global message only if it is empty
func ReplaceEmptyMessage(format string, args ...any) {
	GetGlobalSystem().ReplaceEmptyMessage(format, args...)
}

// ClearMessage empties the global message
func ClearMessage() {
	GetGlobalSystem().ClearMessage()
}

// GetMessage returns the global message
func GetMessage() string {
	return GetGlobalSystem().GetMessage()
}

// SetMessageErrno reports a failed OS call on the global system
func SetMessageErrno(site Site, op string, err error) {
	GetGlobalSystem().SetMessageErrno(site, op, err)
}

// SetMessageSQL reports a failed SQLite operation on the global system
func SetMessageSQL(site Site, op string, err error) {
	GetGlobalSystem().SetMessageSQL(site, op, err)
}

// SetMessageSQLParam reports a failed SQLite parameter binding on the global
// system
func SetMessageSQLParam(site Site, op string, err error) {
	GetGlobalSystem().SetMessageSQLParam(site, op, err)
}

// Terminate aborts the process through the global system
func Terminate(format string, args ...any) {
	GetGlobalSystem().Terminate(format, args...)
}

// TerminateBadCase aborts on an impossible switch value
func TerminateBadCase(site Site, value any) {
	GetGlobalSystem().TerminateBadCase(site, value)
}

// TerminateOnAssert aborts on a failed invariant check
func TerminateOnAssert(site Site, statement string) {
	GetGlobalSystem().TerminateOnAssert(site, statement)
}

// Assert aborts with the caller's site when cond is false
func Assert(cond bool, statement string) {
	if cond {
		return
	}
	GetGlobalSystem().TerminateOnAssert(callerSite(1), statement)
}

// Init installs the crash handler of the global system
func Init() {
	GetGlobalSystem().Init()
}

// Guard runs fn under the global system's crash handler
func Guard(fn func()) {
	GetGlobalSystem().Guard(fn)
}
