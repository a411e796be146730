package queues

import "context"

// SpawnRequest asks for a new game-server instance. Region and Scene are
// shorthands merged into Properties.
type SpawnRequest struct {
	TicketID   string            `json:"ticketId"`
	Region     string            `json:"region,omitempty"`
	Scene      string            `json:"scene,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Args       string            `json:"args,omitempty"`
}

// SpawnProperties returns the request properties with Region and Scene
// folded in. Explicit fields win over map entries.
func (r *SpawnRequest) SpawnProperties() map[string]string {
	props := make(map[string]string, len(r.Properties)+2)
	for k, v := range r.Properties {
		props[k] = v
	}
	if r.Region != "" {
		props["region"] = r.Region
	}
	if r.Scene != "" {
		props["scene"] = r.Scene
	}
	return props
}

type SpawnStatus string

const (
	StatusSuccess SpawnStatus = "Success"
	StatusFailure SpawnStatus = "Failure"
)

const (
	EnvelopeVersion = "1.0"
	TypeSpawnResult = "spawn-result"
)

type SpawnResult struct {
	EnvelopeVersion string      `json:"envelopeVersion"`
	Type            string      `json:"type"`
	TicketID        string      `json:"ticketId"`
	Status          SpawnStatus `json:"status"`
	TaskID          string      `json:"taskId,omitempty"`
	InstanceID      *string     `json:"instanceId,omitempty"`
	Address         *string     `json:"address,omitempty"`
	ErrorMessage    *string     `json:"errorMessage,omitempty"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *SpawnRequest) error) error
}

type Publisher interface {
	PublishResult(ctx context.Context, res *SpawnResult) error
}
