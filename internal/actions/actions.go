// Package actions maps commands onto the host operating system. Each
// ActionKind has exactly one handler; handlers run bounded and report an
// Outcome instead of returning errors, because execution failure is a result
// to send upstream, not a fault in the agent.
package actions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lablink/internal/protocol"
)

// Outcome is the result of executing one command.
type Outcome struct {
	OK     bool
	Reason string // failure detail, empty on success
}

// Executor runs one command on the host.
type Executor interface {
	Execute(kind protocol.ActionKind, payload map[string]string) Outcome
}

// defaultExecTimeout bounds run-to-completion handlers.
const defaultExecTimeout = 30 * time.Second

// desktopApps are the applications close_apps terminates.
var desktopApps = []string{"firefox", "chromium", "google-chrome", "libreoffice", "soffice.bin", "vlc", "evince"}

// ExecExecutor dispatches commands to OS utilities through a Runner.
type ExecExecutor struct {
	allowExec bool
	timeout   time.Duration
	runner    Runner
	handlers  map[protocol.ActionKind]func(map[string]string) Outcome
	log       zerolog.Logger
}

// NewExecutor builds the host executor. allowExec gates the exec action: when
// false, arbitrary shell commands are refused regardless of what arrives on
// the wire.
func NewExecutor(allowExec bool, log zerolog.Logger) *ExecExecutor {
	e := &ExecExecutor{
		allowExec: allowExec,
		timeout:   defaultExecTimeout,
		runner:    execRunner{},
		log:       log,
	}
	e.handlers = map[protocol.ActionKind]func(map[string]string) Outcome{
		protocol.ActionShutdown:    e.shutdown,
		protocol.ActionRestart:     e.restart,
		protocol.ActionLock:        e.lock,
		protocol.ActionOpenApp:     e.openApp,
		protocol.ActionCloseApps:   e.closeApps,
		protocol.ActionShowDesktop: e.showDesktop,
		protocol.ActionScreenshot:  e.screenshot,
		protocol.ActionMessage:     e.message,
		protocol.ActionExec:        e.execCommand,
		protocol.ActionPing:        e.ping,
	}
	return e
}

// Execute runs the handler for the kind. Unknown kinds are refused, never
// guessed at.
func (e *ExecExecutor) Execute(kind protocol.ActionKind, payload map[string]string) Outcome {
	handler, ok := e.handlers[kind]
	if !ok {
		return Outcome{Reason: fmt.Sprintf("no handler for action %q", kind)}
	}

	out := handler(payload)
	if out.OK {
		e.log.Debug().Str("action", string(kind)).Msg("Action executed")
	} else {
		e.log.Warn().Str("action", string(kind)).Str("reason", out.Reason).Msg("Action failed")
	}
	return out
}

// firstSuccess tries each command in order and succeeds on the first one that
// does. The last failure becomes the reason.
func (e *ExecExecutor) firstSuccess(cmds [][]string) Outcome {
	var lastErr error
	for _, cmd := range cmds {
		if err := e.runner.Run(e.timeout, cmd[0], cmd[1:]...); err != nil {
			lastErr = err
			continue
		}
		return Outcome{OK: true}
	}
	return Outcome{Reason: lastErr.Error()}
}

func (e *ExecExecutor) shutdown(map[string]string) Outcome {
	return e.firstSuccess([][]string{
		{"systemctl", "poweroff"},
		{"shutdown", "-h", "now"},
	})
}

func (e *ExecExecutor) restart(map[string]string) Outcome {
	return e.firstSuccess([][]string{
		{"systemctl", "reboot"},
		{"shutdown", "-r", "now"},
	})
}

func (e *ExecExecutor) lock(map[string]string) Outcome {
	return e.firstSuccess([][]string{
		{"loginctl", "lock-session"},
		{"gnome-screensaver-command", "-l"},
		{"xdg-screensaver", "lock"},
		{"dm-tool", "lock"},
	})
}

// openApp waits only for process start; whether the application keeps running
// is its own business.
func (e *ExecExecutor) openApp(payload map[string]string) Outcome {
	app := payload["app"]
	if err := e.runner.Start(app); err != nil {
		return Outcome{Reason: err.Error()}
	}
	return Outcome{OK: true}
}

// closeApps terminates the known desktop applications. Absent processes are
// not a failure.
func (e *ExecExecutor) closeApps(map[string]string) Outcome {
	for _, app := range desktopApps {
		e.runner.Run(e.timeout, "pkill", "-x", app)
	}
	return Outcome{OK: true}
}

func (e *ExecExecutor) showDesktop(map[string]string) Outcome {
	return e.firstSuccess([][]string{
		{"wmctrl", "-k", "on"},
		{"xdotool", "key", "super+d"},
	})
}

func (e *ExecExecutor) screenshot(map[string]string) Outcome {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("lablink-screen-%s.png", time.Now().Format("20060102-150405")))
	out := e.firstSuccess([][]string{
		{"gnome-screenshot", "-f", path},
		{"scrot", path},
	})
	if out.OK {
		e.log.Info().Str("path", path).Msg("Screenshot captured")
	}
	return out
}

func (e *ExecExecutor) message(payload map[string]string) Outcome {
	content := payload["content"]
	return e.firstSuccess([][]string{
		{"notify-send", "Lab announcement", content},
		{"wall", content},
	})
}

func (e *ExecExecutor) execCommand(payload map[string]string) Outcome {
	if !e.allowExec {
		return Outcome{Reason: "exec disabled by configuration"}
	}
	command := payload["command"]
	if strings.TrimSpace(command) == "" {
		return Outcome{Reason: "empty command"}
	}
	if err := e.runner.Run(e.timeout, "sh", "-c", command); err != nil {
		return Outcome{Reason: err.Error()}
	}
	return Outcome{OK: true}
}

// ping succeeds without touching the host. Sessions normally answer pings
// themselves; this keeps the handler table total.
func (e *ExecExecutor) ping(map[string]string) Outcome {
	return Outcome{OK: true}
}
