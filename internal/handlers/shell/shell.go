package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"subflow/internal/domain"
)

type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Handle runs the command. Malformed jobs and missing binaries are fatal; a
// non-zero exit is retried.
func (h Shell) Handle(ctx context.Context, job []byte) error {
	var c Cmd
	if err := json.Unmarshal(job, &c); err != nil {
		return domain.Fatal(fmt.Errorf("invalid shell job: %w", err))
	}
	if c.Command == "" {
		return domain.Fatalf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return domain.Fatal(err)
		}
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
