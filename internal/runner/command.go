package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"stagegate/internal/domain"
)

// Command runs an external program as an agent. The task, stage and lineage
// are written to stdin as JSON; the program prints a single output object
// ({"kind", "payload", "metadata"}) on stdout. A non-zero exit fails the task
// with the tail of stderr.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// ParseCommand splits "path arg1 arg2" on whitespace.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty agent command")
	}
	return Command{Path: fields[0], Args: fields[1:]}, nil
}

type commandInput struct {
	Task    domain.AgentTask  `json:"task"`
	Stage   domain.Stage      `json:"stage"`
	Lineage []domain.Artifact `json:"lineage"`
}

type commandOutput struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (c Command) Run(ctx context.Context, in Input) (Output, error) {
	stdin, err := json.Marshal(commandInput{Task: in.Task, Stage: in.Stage, Lineage: in.Lineage})
	if err != nil {
		return Output{}, err
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"STAGEGATE_TASK_ID="+in.Task.ID,
		"STAGEGATE_AGENT_ID="+in.Task.AgentID,
		"STAGEGATE_STAGE="+in.Task.Stage,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, fmt.Errorf("%s: %w: %s", c.Path, err, tail(stderr.String(), 512))
	}
	var out commandOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return Output{}, fmt.Errorf("%s: decode output: %w", c.Path, err)
	}
	return Output{Kind: out.Kind, Payload: out.Payload, Metadata: out.Metadata}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
