package controller

import (
	"fmt"
	"io"
	"os"

	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// ============================================================================
// Job loading
// ============================================================================

// LoadJobFile reads and validates a job request from a JSON file.
func LoadJobFile(path string) (*types.JobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file %s: %w", path, err)
	}

	return types.ParseJobRequest(data)
}

// LoadJob reads and validates a job request from r, e.g. a request body.
func LoadJob(r io.Reader) (*types.JobRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read job request: %w", err)
	}

	return types.ParseJobRequest(data)
}
