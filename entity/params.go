package entity

import (
	"encoding/json"
	"fmt"
)

// Typed payloads for the params column, decoded once at the store boundary
// instead of being picked apart as raw JSON per call site. The variant is
// selected by Job.Type.

type ScriptParams struct {
	Script    string            `json:"script"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	MountPath string            `json:"mount_path,omitempty"`
}

type FineTuneParams struct {
	BaseModel    string  `json:"base_model"`
	DatasetPath  string  `json:"dataset_path"`
	LoraRank     int     `json:"lora_rank,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	Epochs       int     `json:"epochs,omitempty"`
}

type InferenceParams struct {
	Model       string   `json:"model"`
	PromptsPath string   `json:"prompts_path"`
	Adapters    []string `json:"adapters,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

type CustomParams struct {
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
}

type APIParams struct {
	Model       string   `json:"model"`
	Adapters    []string `json:"adapters,omitempty"`
	MaxModelLen int      `json:"max_model_len,omitempty"`
	MaxNumSeqs  int      `json:"max_num_seqs,omitempty"`
	MaxLoraRank int      `json:"max_lora_rank,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
}

// DecodeParams unmarshals a job's params column into the variant matching
// its type. Unknown job types are an error, not a silent passthrough.
func DecodeParams(job *Job) (any, error) {
	var dest any
	switch job.Type {
	case JobTypeScript:
		dest = &ScriptParams{}
	case JobTypeFineTune:
		dest = &FineTuneParams{}
	case JobTypeInference:
		dest = &InferenceParams{}
	case JobTypeCustom:
		dest = &CustomParams{}
	case JobTypeAPI:
		dest = &APIParams{}
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
	if len(job.Params) == 0 {
		return dest, nil
	}
	if err := json.Unmarshal(job.Params, dest); err != nil {
		return nil, fmt.Errorf("failed to decode %s params: %w", job.Type, err)
	}
	return dest, nil
}

// APIParamsOf is DecodeParams narrowed to api jobs, which the deployment
// manager reads on every keepalive pass.
func APIParamsOf(job *Job) (*APIParams, error) {
	if job.Type != JobTypeAPI {
		return nil, fmt.Errorf("job %s is %q, not an api job", job.ID, job.Type)
	}
	raw, err := DecodeParams(job)
	if err != nil {
		return nil, err
	}
	return raw.(*APIParams), nil
}
