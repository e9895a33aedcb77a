package preflight

import (
	"os/exec"

	"github.com/charmbracelet/log"

	"github.com/tutodecode/termlab/internal/models"
	"github.com/tutodecode/termlab/internal/pty"
	"github.com/tutodecode/termlab/internal/whitelist"
)

// Report is the start-up environment check.
type Report struct {
	Shell    string
	ShellErr error
	Tools    []models.ToolStatus
}

// CheckAll resolves the interactive shell and looks up every whitelisted
// program on PATH. Missing tools are logged, not fatal.
func CheckAll(shellOverride string, logger *log.Logger) Report {
	if logger == nil {
		logger = log.Default().WithPrefix("preflight")
	}

	var r Report
	r.Shell, r.ShellErr = pty.ResolveShell(shellOverride)
	if r.ShellErr != nil {
		logger.Warn("no usable shell, interactive sessions will fail", "err", r.ShellErr)
	} else {
		logger.Info("shell found", "path", r.Shell)
	}

	for _, name := range whitelist.Names() {
		status := checkTool(name)
		if status.Installed {
			logger.Debug("tool found", "name", name, "path", status.Path)
		} else {
			logger.Info("tool not installed", "name", name)
		}
		r.Tools = append(r.Tools, status)
	}
	return r
}

func checkTool(name string) models.ToolStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return models.ToolStatus{Name: name, Installed: false}
	}
	return models.ToolStatus{Name: name, Installed: true, Path: path}
}
