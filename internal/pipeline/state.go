package pipeline

// State is the step a runner is in.
type State int32

const (
	Idle State = iota
	Extracting
	Deduping
	Historizing
	Projecting
	Windowing
	CommittingWatermark
	Failed
)

var stateNames = [...]string{
	Idle:                "IDLE",
	Extracting:          "EXTRACTING",
	Deduping:            "DEDUPING",
	Historizing:         "HISTORIZING",
	Projecting:          "PROJECTING",
	Windowing:           "WINDOWING",
	CommittingWatermark: "COMMITTING_WATERMARK",
	Failed:              "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}
