package dtasm

// State is the instance lifecycle state spec §4.3 requires the manager to
// track explicitly. The original implementation never checked calling
// order at all (the Rust runtime trusted its single embedded caller); this
// state machine is new code, grounded directly on the state table in
// spec §4.3 rather than on any existing source.
type State uint8

const (
	// Fresh: instantiated, getModelDescription not yet called.
	Fresh State = iota
	// Described: getModelDescription has been called at least once; the
	// VarTypeIndex is cached.
	Described
	// Initialized: init has returned a status other than Error or Fatal;
	// parameters and start values are fixed, simulation time is set.
	Initialized
	// Running: a GetValues, SetValues or DoStep call has returned StatusOK
	// after Initialize.
	Running
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case Described:
		return "Described"
	case Initialized:
		return "Initialized"
	case Running:
		return "Running"
	default:
		return "Unknown"
	}
}

// allows reports whether op may be invoked while the instance is in s,
// per the calling-order table in spec §4.3:
//
//	op                  Fresh  Described  Initialized  Running
//	GetModelDescription   yes     yes         yes         yes
//	Initialize            no      yes         yes*         no
//	GetValues             no      no          yes         yes
//	SetValues              no      no          yes         yes
//	DoStep                 no      no          yes         yes
//	LoadState              no      no          yes         yes
//	SaveState              no      no          yes         yes
//
// * Initialize may be called again only while Initialized (re-init before
// the first successful GetValues, SetValues or DoStep); once Running it is
// rejected.
func (s State) allows(op string) bool {
	switch op {
	case "GetModelDescription":
		return true
	case "Initialize":
		return s == Described || s == Initialized
	case "GetValues", "SetValues", "DoStep", "LoadState", "SaveState":
		return s == Initialized || s == Running
	default:
		return false
	}
}
