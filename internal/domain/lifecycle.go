package domain

// LifecycleState はライフサイクルの状態を表す.
type LifecycleState string

const (
	StateNew        LifecycleState = "new"
	StateInstalling LifecycleState = "installing"
	StateWaiting    LifecycleState = "waiting"
	StateActivating LifecycleState = "activating"
	StateActive     LifecycleState = "active"
	// StateRedundant はインストールに失敗した状態.
	StateRedundant LifecycleState = "redundant"
)
