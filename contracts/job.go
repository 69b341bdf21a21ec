package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is the unit of work posted through the info exchange. Data carries the
// caller's payload untouched so unrelated services can route on ID and Status
// without knowing the payload schema.
type Job struct {
	ID        string          `json:"id"`
	Status    string          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewJob creates a job with a fresh id and creation timestamp.
func NewJob(status string, data json.RawMessage) Job {
	return Job{
		ID:        uuid.NewString(),
		Status:    status,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the job for caller configuration mistakes.
func (j Job) Validate() error {
	if j.ID == "" {
		return ErrMissingJobID
	}
	return nil
}

// Serialize encodes the job as JSON.
func (j Job) Serialize() ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

// DeserializeJob decodes a job from JSON.
func DeserializeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, err
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}
