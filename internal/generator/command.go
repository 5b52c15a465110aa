package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"progression/internal/planstore"
)

// Command shells out to an external generator binary. The request is written
// to stdin as JSON and the proposal is read back from stdout; stderr is
// captured for diagnostics. The binary is invoked with a single mode argument,
// "levels" or "corrective".
type Command struct {
	// Binary is the generator executable. Required.
	Binary string
	// Env holds extra environment variables for the child process.
	Env map[string]string
}

func (c *Command) Name() string {
	return "command"
}

type levelsRequest struct {
	Plan *planstore.Plan `json:"plan"`
}

func (c *Command) ProposeLevels(ctx context.Context, plan *planstore.Plan) ([]LevelProposal, error) {
	out, err := c.run(ctx, "levels", levelsRequest{Plan: plan})
	if err != nil {
		return nil, err
	}
	var levels []LevelProposal
	if err := json.Unmarshal(out, &levels); err != nil {
		return nil, &MalformedProposalError{Reason: fmt.Sprintf("parse levels response: %v", err)}
	}
	return levels, nil
}

func (c *Command) ProposeCorrective(ctx context.Context, failure FailureContext) (*CorrectiveProposal, error) {
	out, err := c.run(ctx, "corrective", failure)
	if err != nil {
		return nil, err
	}
	var proposal CorrectiveProposal
	if err := json.Unmarshal(out, &proposal); err != nil {
		return nil, &MalformedProposalError{Reason: fmt.Sprintf("parse corrective response: %v", err)}
	}
	return &proposal, nil
}

func (c *Command) run(ctx context.Context, mode string, request any) ([]byte, error) {
	if c.Binary == "" {
		return nil, errors.New("generator binary is required")
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", mode, err)
	}

	cmd := exec.CommandContext(ctx, c.Binary, mode)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = mergeEnv(os.Environ(), c.Env)

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, mode)
		}
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("generator %s: %w: %s", mode, err, msg)
		}
		return nil, fmt.Errorf("generator %s: %w", mode, err)
	}

	return stdout.Bytes(), nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]struct{}, len(overrides))
	for key := range overrides {
		seen[key] = struct{}{}
	}
	for _, entry := range base {
		key := entry
		if idx := indexEnvKey(entry); idx >= 0 {
			key = entry[:idx]
		}
		if _, ok := seen[key]; ok {
			continue
		}
		merged = append(merged, entry)
	}
	for key, value := range overrides {
		merged = append(merged, fmt.Sprintf("%s=%s", key, value))
	}
	return merged
}

func indexEnvKey(entry string) int {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			return i
		}
	}
	return -1
}
