package session

// Intent is the validated set of session operations requested on the
// command line. It is constructed once from resolved flags and never
// mutated; all cross-flag legality checks live in Resolve.
type Intent struct {
	AttachKey        string // re-attach to the detached session with this key
	DetachKey        string // start a new session, then detach under this key
	StopOnAttach     bool   // flush and disable right after attaching
	RedetachOnAttach bool   // is-detached probe: attach, then detach again
	Query            bool
	QueryRaw         bool
	BugreportRescue  bool
	Background       bool
	BackgroundWait   bool
	Upload           bool
	BypassGuardrails bool
	OutputPath       string
}

// IsAttach reports whether an attach was requested.
func (i Intent) IsAttach() bool { return i.AttachKey != "" }

// IsDetach reports whether a detached capture was requested.
func (i Intent) IsDetach() bool { return i.DetachKey != "" }
