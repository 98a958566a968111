package eventbus

import "time"

// Producer names a component that publishes events to the bus.
type Producer string

const (
	ProducerController    Producer = "controller"
	ProducerCodeMonitor   Producer = "code_monitor"
	ProducerConversation  Producer = "conversation"
	ProducerLieDetector   Producer = "lie_detector"
	ProducerBridge        Producer = "bridge"
)

// priority implements the fixed producer priority used to break ties when
// merging events from different producers that share a session timestamp:
// Controller > CodeMonitor > Conversation > LieDetector > Bridge.
var priority = map[Producer]int{
	ProducerController:   0,
	ProducerCodeMonitor:  1,
	ProducerConversation: 2,
	ProducerLieDetector:  3,
	ProducerBridge:       4,
}

// Kind is drawn from the closed set of event log record kinds. Readers must
// ignore unknown Kind values for forward compatibility.
type Kind string

const (
	KindSessionStarted  Kind = "SESSION_STARTED"
	KindSessionEnded    Kind = "SESSION_ENDED"
	KindTurnCandidate   Kind = "TURN_CANDIDATE"
	KindTurnInterviewer Kind = "TURN_INTERVIEWER"
	KindNudgeRequired   Kind = "NUDGE_REQUIRED"
	KindNudgeDelivered  Kind = "NUDGE_DELIVERED"
	KindLieDetected     Kind = "LIE_DETECTED"
	KindCodeChanged     Kind = "CODE_CHANGED"
	KindInactivity      Kind = "INACTIVITY"
	KindSubmitDetected  Kind = "SUBMIT_DETECTED"
	KindTestResult      Kind = "TEST_RESULT"
	KindSystemWarning   Kind = "SYSTEM_WARNING"
	KindSystemError     Kind = "SYSTEM_ERROR"
)

// critical events are never coalesced under backpressure.
var critical = map[Kind]bool{
	KindSubmitDetected: true,
	KindInactivity:     true,
	KindNudgeRequired:  true,
	KindSessionStarted: true,
	KindSessionEnded:   true,
}

// IsCritical reports whether an event kind must never be dropped or
// coalesced when the bus is backpressured.
func IsCritical(k Kind) bool { return critical[k] }

// Event is one record on the bus. T is the monotonic session timestamp used
// for stable cross-producer merging; Seq is monotonic per Producer.
type Event struct {
	T        time.Time
	Producer Producer
	Seq      int
	Kind     Kind
	Payload  map[string]any
}

// Less orders two events for stable merge: by session timestamp, then by
// fixed producer priority, then by per-producer seq.
func Less(a, b Event) bool {
	if !a.T.Equal(b.T) {
		return a.T.Before(b.T)
	}
	pa, pb := priority[a.Producer], priority[b.Producer]
	if pa != pb {
		return pa < pb
	}
	return a.Seq < b.Seq
}
