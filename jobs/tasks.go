package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACPermissionsWarm rebuilds cached permission sets for active principals.
	TaskRBACPermissionsWarm = "rbac:permissions:warm"
)

// PermissionsWarmPayload describes a warm-up run. Reason only ends up in logs.
type PermissionsWarmPayload struct {
	Reason string `json:"reason"`
}

// NewPermissionsWarmTask constructs an Asynq task.
func NewPermissionsWarmTask(reason string) (*asynq.Task, error) {
	data, err := json.Marshal(PermissionsWarmPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACPermissionsWarm, data), nil
}
