package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// LaunchSpec is everything a game-server process needs to find its way
// back to the coordinator.
type LaunchSpec struct {
	TaskID    string
	LaunchKey string
	Scene     string
	Args      string
	FPSLimit  int
}

// Process is a launched game-server process.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Kill() error
}

// Launcher starts processes. Launch may block; it is never called on the
// loop goroutine.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher starts Executable as a child process.
type ExecLauncher struct {
	Executable string
	// Coordinator is passed to the process so its session can dial back.
	Coordinator string
	Dir         string
	Env         []string
}

// launchArgs is the argument list every backend hands the game server.
func launchArgs(spec LaunchSpec, coordinator string) []string {
	args := []string{
		"-taskId", spec.TaskID,
		"-launchKey", spec.LaunchKey,
	}
	if spec.Scene != "" {
		args = append(args, "-scene", spec.Scene)
	}
	if spec.FPSLimit > 0 {
		args = append(args, "-fps", strconv.Itoa(spec.FPSLimit))
	}
	if coordinator != "" {
		args = append(args, "-coordinator", coordinator)
	}
	return append(args, strings.Fields(spec.Args)...)
}

// Command builds the command line for spec without starting it.
func (e ExecLauncher) Command(spec LaunchSpec) *exec.Cmd {
	cmd := exec.Command(e.Executable, launchArgs(spec, e.Coordinator)...)
	cmd.Dir = e.Dir
	cmd.Env = e.Env
	return cmd
}

func (e ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	if e.Executable == "" {
		return nil, errors.New("supervisor: no executable configured")
	}
	cmd := e.Command(spec)
	out := log.With().Str("taskId", spec.TaskID).Str("component", "gameserver").Logger()
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", e.Executable, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
