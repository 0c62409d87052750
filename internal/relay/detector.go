package relay

// Classification is an agent's activity state for one tick.
type Classification string

const (
	// Working means the pane changed since the previous tick (or this is the
	// first observation).
	Working Classification = "working"
	// Stopped means the pane is unchanged. It signals stability, not exit.
	Stopped Classification = "stopped"
	// Offline means the pane could not be captured.
	Offline Classification = "offline"
)

// Snapshot is a normalized capture. The zero value means "no capture".
type Snapshot struct {
	Text    string
	Present bool
}

// Captured wraps normalized pane text as a present snapshot.
func Captured(text string) Snapshot {
	return Snapshot{Text: text, Present: true}
}

// DetectState classifies a tick. stableCount is accepted for parity with the
// poll state but does not influence the result.
func DetectState(current, previous Snapshot, stableCount int) Classification {
	_ = stableCount
	switch {
	case !current.Present:
		return Offline
	case !previous.Present:
		return Working
	case current.Text != previous.Text:
		return Working
	default:
		return Stopped
	}
}
