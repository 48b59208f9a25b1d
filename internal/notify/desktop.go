package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows notifications with osascript on macOS and
// notify-send on Linux. Missing tools are ignored.
type DesktopNotifier struct {
	enabled  bool
	goos     string
	lookPath func(string) (string, error)
	run      func(name string, args ...string) error
}

// NewDesktopNotifier creates a DesktopNotifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled:  enabled,
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send displays n
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args := d.command(n)
	if name == "" {
		return nil
	}
	if _, err := d.lookPath(name); err != nil {
		return nil
	}
	return d.run(name, args...)
}

// command returns the argv for the current platform, or "" when unsupported
func (d *DesktopNotifier) command(n Notification) (string, []string) {
	switch d.goos {
	case "darwin":
		script := `display notification "` + appleScriptQuote(n.Message) +
			`" with title "impl-orch" subtitle "` + appleScriptQuote(n.Title) + `"`
		return "osascript", []string{"-e", script}
	case "linux":
		urgency := "normal"
		if n.Type == NotifyError {
			urgency = "critical"
		}
		return "notify-send", []string{
			"--app-name", "impl-orch",
			"--urgency", urgency,
			"--icon", IconForType(n.Type),
			n.Title, n.Message,
		}
	default:
		return "", nil
	}
}

// IconForType returns a freedesktop icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}

func appleScriptQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
