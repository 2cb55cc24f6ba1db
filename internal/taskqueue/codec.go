package taskqueue

import (
	"encoding/json"

	"github.com/petrijr/flowline/pkg/api"
)

// EncodeTask serializes a Task as JSON.
func EncodeTask(t Task) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask deserializes a Task encoded by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJob(j api.Job) ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(data []byte) (api.Job, error) {
	var j api.Job
	err := json.Unmarshal(data, &j)
	return j, err
}
