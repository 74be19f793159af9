package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Command runs a local process.
//
// Arguments:
//
//	cmd    command line, run through shell when argv is empty
//	argv   explicit arguments; cmd is then executed directly
//	shell  shell used for cmd (default /bin/sh)
//	dir    working directory
//	env    map of extra environment variables
//
// The result is a map with stdout, stderr, exit_code and duration (seconds).
// A non-zero exit status is returned as an *ExitError.
type Command struct {
	// Shell overrides the default shell when the task gives none.
	Shell string
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
}

// Kind classifies the error for retry_on matching.
func (e *ExitError) Kind() string {
	return "CommandError"
}

// Execute implements engine.Action.
func (c *Command) Execute(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	command, ok := stringArg(args, "cmd")
	if !ok || command == "" {
		return nil, fmt.Errorf("command requires argument: cmd")
	}
	argv, err := stringSliceArg(args, "argv")
	if err != nil {
		return nil, err
	}

	shell, _ := stringArg(args, "shell")
	if shell == "" {
		shell = c.Shell
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(argv) > 0 {
		cmd = exec.CommandContext(ctx, command, argv...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", command)
	}

	if dir, ok := stringArg(args, "dir"); ok {
		cmd.Dir = dir
	}

	if env, ok := args["env"].(map[string]interface{}); ok && len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, env[k]))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	zerolog.Ctx(ctx).Debug().Str("node", name).Str("cmd", command).Strs("argv", argv).Msg("Running command")

	start := time.Now()
	runErr := cmd.Run()
	result := map[string]interface{}{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": 0,
		"duration":  time.Since(start).Seconds(),
	}

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result["exit_code"] = exitErr.ExitCode()
			return result, &ExitError{
				Command:  command,
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
			}
		}
		return nil, fmt.Errorf("failed to execute command: %w", runErr)
	}

	return result, nil
}
