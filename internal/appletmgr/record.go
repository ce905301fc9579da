package appletmgr

// Status is an applet's lifecycle state. NOT_INSTALLED is never stored
// explicitly: it is the absence of a record.
type Status int

const (
	StatusPendingInstall Status = iota
	StatusInstalled
)

func (s Status) String() string {
	switch s {
	case StatusPendingInstall:
		return "PENDING_INSTALL"
	case StatusInstalled:
		return "INSTALLED"
	default:
		return "UNKNOWN"
	}
}

// Record is the in-memory state tracked for one known applet UUID.
type Record struct {
	UUID   string
	Status Status

	// SharedSessionSupported/SharedSessionSupportKnown implement the lazy
	// shared-session-support query: queried from the applet on the first
	// shared-session request on ME/SEC.
	SharedSessionSupported   bool
	SharedSessionSupportKnown bool

	// Visible is false for the built-in spooler applet, which is installed
	// like any other applet but filtered from public listings.
	Visible bool

	// Path and IsACP record where on disk the installed blob lives, and
	// whether it is a single-binary .acp or a multi-version .dalp.
	Path  string
	IsACP bool
}
