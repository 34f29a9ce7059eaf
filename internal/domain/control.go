package domain

// ControlKind は制御メッセージの種類.
type ControlKind string

const (
	ControlStats       ControlKind = "stats"
	ControlSkipWaiting ControlKind = "skip-waiting"
	ControlStatus      ControlKind = "status"
)

// ControlMessage は帯域外の制御メッセージ.
// 応答はReplyチャネルに一度だけ送られる.
type ControlMessage struct {
	Kind  ControlKind
	Reply chan<- ControlReply
}

// ControlReply は制御メッセージへの応答.
type ControlReply struct {
	Kind       ControlKind    `json:"kind"`
	Partitions map[string]int `json:"partitions,omitempty"`
	State      LifecycleState `json:"state,omitempty"`
	Error      string         `json:"error,omitempty"`
}
