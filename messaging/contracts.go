package messaging

// Payloads exchanged between coordinator, worker supervisors and game
// instances.

type RegisterWorker struct {
	Address      string            `cbor:"address"`
	MaxProcesses int               `cbor:"maxProcesses"`
	Attributes   map[string]string `cbor:"attributes,omitempty"`
	// Running counts processes already alive on the host.
	Running int `cbor:"running,omitempty"`
}

type RegisterWorkerResult struct {
	WorkerID string `cbor:"workerId"`
}

type LaunchProcess struct {
	TaskID    string `cbor:"taskId"`
	LaunchKey string `cbor:"launchKey"`
	Scene     string `cbor:"scene,omitempty"`
	Args      string `cbor:"args,omitempty"`
	FPSLimit  int    `cbor:"fpsLimit,omitempty"`
}

type KillProcess struct {
	TaskID string `cbor:"taskId"`
}

type ProcessStarted struct {
	TaskID string `cbor:"taskId"`
}

type ProcessStartedResult struct {
	Properties map[string]string `cbor:"properties,omitempty"`
}

// WorkerStatus is the worker's own count of live processes.
type WorkerStatus struct {
	Running int `cbor:"running"`
}

type ProcessExited struct {
	TaskID   string `cbor:"taskId"`
	ExitCode int    `cbor:"exitCode"`
}

type RegisterInstance struct {
	TaskID     string            `cbor:"taskId"`
	Name       string            `cbor:"name"`
	Address    string            `cbor:"address"`
	Password   string            `cbor:"password,omitempty"`
	MaxPlayers int               `cbor:"maxPlayers"`
	Properties map[string]string `cbor:"properties,omitempty"`
	AuthKey    string            `cbor:"authKey"`
	Private    bool              `cbor:"private,omitempty"`
}

type RegisterInstanceResult struct {
	InstanceID string `cbor:"instanceId"`
}

type InstanceRef struct {
	InstanceID string `cbor:"instanceId"`
}

type AccessRequest struct {
	InstanceID string            `cbor:"instanceId"`
	Requester  string            `cbor:"requester"`
	Password   string            `cbor:"password,omitempty"`
	Extra      map[string]string `cbor:"extra,omitempty"`
}

type AccessGrant struct {
	InstanceID string            `cbor:"instanceId"`
	Token      string            `cbor:"token"`
	Address    string            `cbor:"address"`
	Scene      string            `cbor:"scene,omitempty"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

type Player struct {
	InstanceID string `cbor:"instanceId"`
	Player     string `cbor:"player"`
}
