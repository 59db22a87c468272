package model

// RequestType is the client intent carried by a Request.
type RequestType string

const (
	RequestDeploy          RequestType = "deploy"
	RequestUndeploy        RequestType = "undeploy"
	RequestStart           RequestType = "start"
	RequestStop            RequestType = "stop"
	RequestRestart         RequestType = "restart"
	RequestGetInfo         RequestType = "get_info"
	RequestTakeScreenshot  RequestType = "take_screenshot"
	RequestTakeSnapshot    RequestType = "take_snapshot"
	RequestRestoreSnapshot RequestType = "restore_snapshot"
	RequestDeleteSnapshot  RequestType = "delete_snapshot"
)

// CanChangeMachineState reports whether a request of this type is allowed to
// persist a new machine state after the worker handled it.
func (t RequestType) CanChangeMachineState() bool {
	switch t {
	case RequestStart, RequestStop, RequestDeploy, RequestUndeploy:
		return true
	}
	return false
}

// RequestState is the lifecycle state of a Request.
type RequestState string

const (
	RequestStateCreated   RequestState = "created"
	RequestStateSuccess   RequestState = "success"
	RequestStateFailed    RequestState = "failed"
	RequestStateDelayed   RequestState = "delayed"
	RequestStateTimeouted RequestState = "timeouted"
	RequestStateAborted   RequestState = "aborted"
)

// HasFinished reports whether the state is terminal. A terminal request is
// never updated again.
func (s RequestState) HasFinished() bool {
	switch s {
	case RequestStateSuccess, RequestStateFailed, RequestStateTimeouted, RequestStateAborted:
		return true
	}
	return false
}

// IsError reports whether the state is terminal and not a success.
func (s RequestState) IsError() bool {
	return s.HasFinished() && s != RequestStateSuccess
}

// MachineState is the lifecycle state of a Machine.
type MachineState string

const (
	MachineStateCreated    MachineState = "created"
	MachineStateDeployed   MachineState = "deployed"
	MachineStateRunning    MachineState = "running"
	MachineStateStopped    MachineState = "stopped"
	MachineStateUndeployed MachineState = "undeployed"
	MachineStateFailed     MachineState = "failed"
)

// CanBeChanged reports whether the machine may still transition. Undeployed
// and failed machines are frozen; undeploy requests are the one exception and
// bypass this check.
func (s MachineState) CanBeChanged() bool {
	return s != MachineStateUndeployed && s != MachineStateFailed
}

// ActionType partitions the work queue between deploy workers and ops workers.
type ActionType string

const (
	ActionDeploy ActionType = "deploy"
	ActionOther  ActionType = "other"
)

// Lock is the durable three-state marker on an Action.
// Workers move Free to Sleeping or Finished; the reaper is the only component
// that moves Sleeping back to Free.
type Lock int

const (
	LockFree     Lock = 0
	LockSleeping Lock = 1
	LockFinished Lock = -1
)

// Host connection states as reported by the hypervisor.
const (
	HostConnected     = "connected"
	HostDisconnected  = "disconnected"
	HostNotResponding = "notResponding"
)

// Snapshot / screenshot subject statuses.
const (
	SnapshotNotCreated    = "not_created"
	SnapshotCreated       = "created"
	SnapshotRestored      = "restored"
	SnapshotDeleted       = "deleted"
	SnapshotFailed        = "failed"
	ScreenshotNotObtained = "not_obtained"
	ScreenshotObtained    = "obtained"
	ScreenshotFailed      = "failed"
)
