package registry

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ComputeJobID derives a content-addressed job id from the type-relevant
// parameters plus the organization id. The data is round-tripped through
// encoding/json before hashing: marshaling a map sorts its keys (including
// nested maps), so logically identical requests hash identically no matter
// what order the caller assembled them in.
func ComputeJobID(prefix string, data map[string]interface{}, orgID string) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job data: %w", err)
	}

	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", fmt.Errorf("failed to normalize job data: %w", err)
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize job data: %w", err)
	}

	sum := sha256.Sum256(append(canonical, []byte(orgID)...))
	return fmt.Sprintf("%s-%x", prefix, sum)[:len(prefix)+1+32], nil
}

// NewAdHocJobID returns a random id for job types that have no meaningful
// content identity.
func NewAdHocJobID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
