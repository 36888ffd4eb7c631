package downloader

// State is a phase of a download run.
type State int

const (
	Idle State = iota
	FetchingManifest
	Preparing
	DownloadingChunks
	Assembling
	CleaningUp
	Complete
	Cancelled
	Failed
)

var stateNames = [...]string{
	Idle:              "Idle",
	FetchingManifest:  "FetchingManifest",
	Preparing:         "Preparing",
	DownloadingChunks: "DownloadingChunks",
	Assembling:        "Assembling",
	CleaningUp:        "CleaningUp",
	Complete:          "Complete",
	Cancelled:         "Cancelled",
	Failed:            "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Complete || s == Cancelled || s == Failed }
