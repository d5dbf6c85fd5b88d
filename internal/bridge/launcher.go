package bridge

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
)

// Command describes how the sidecar JVM is launched.
type Command struct {
	// JavaPath is the java executable to invoke.
	JavaPath string
	// JarPath is the analysis engine jar, run with -jar.
	JarPath string
	// MaxMemory is the JVM heap ceiling, e.g. "512m".
	MaxMemory string
	// Dir is the working directory for the child, usually the project root.
	Dir string
}

// sidecarArgs are passed to the engine after the jar. The engine re-applies
// the --add-opens flags when it forks its compiler workers.
var sidecarArgs = []string{
	"--add-opens", "java.base/java.lang=ALL-UNNAMED",
	"--add-opens", "java.base/java.lang.reflect=ALL-UNNAMED",
	"--add-opens", "java.base/java.util=ALL-UNNAMED",
}

// childProc is a running sidecar: a framed stream over its stdio and a
// teardown hook that kills and reaps the process.
type childProc struct {
	stream *protocol.Stream
	kill   func()
}

// launchFunc spawns one sidecar instance. Tests swap this for in-memory
// pipes so the supervisor can be exercised without a JVM.
type launchFunc func() (*childProc, error)

// execLauncher builds the production launcher for cmd. The returned
// childProc's kill is idempotent.
func execLauncher(cmd Command) launchFunc {
	return func() (*childProc, error) {
		args := append([]string{"-Xmx" + cmd.MaxMemory, "-jar", cmd.JarPath}, sidecarArgs...)
		c := exec.Command(cmd.JavaPath, args...)
		c.Dir = cmd.Dir

		stdin, err := c.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("sidecar stdin pipe: %w", err)
		}
		stdout, err := c.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("sidecar stdout pipe: %w", err)
		}
		stderr, err := c.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("sidecar stderr pipe: %w", err)
		}

		if err := c.Start(); err != nil {
			return nil, fmt.Errorf("spawn %s: %w", cmd.JavaPath, err)
		}

		logging.Info().
			Int("pid", c.Process.Pid).
			Str("jar", cmd.JarPath).
			Str("maxMemory", cmd.MaxMemory).
			Msg("sidecar spawned")

		go forwardStderr(stderr)

		killed := make(chan struct{})
		return &childProc{
			stream: protocol.NewStream(stdout, stdin),
			kill: func() {
				select {
				case <-killed:
					return
				default:
					close(killed)
				}
				if c.Process != nil {
					_ = c.Process.Signal(syscall.SIGTERM)
				}
				// Reap in the background so a wedged JVM cannot block
				// the supervisor.
				go func() { _ = c.Wait() }()
			},
		}, nil
	}
}

// forwardStderr mirrors the engine's stderr into our log at debug level.
// The engine writes JVM warnings and compiler daemon chatter there.
func forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logging.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}
