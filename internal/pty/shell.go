package pty

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// ResolveShell picks the interactive shell for a new session: the explicit
// override, then the platform variable ($SHELL, %COMSPEC%), then the
// platform fallbacks. The result must resolve through PATH lookup.
func ResolveShell(override string) (string, error) {
	var candidates []string
	if override != "" {
		candidates = append(candidates, override)
	}
	if runtime.GOOS == "windows" {
		candidates = append(candidates, os.Getenv("COMSPEC"), "powershell.exe", "cmd.exe")
	} else {
		candidates = append(candidates, os.Getenv("SHELL"), "/bin/bash", "/bin/sh")
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
		if c == override {
			return "", fmt.Errorf("%w: %s", ErrShellNotFound, override)
		}
	}
	return "", ErrShellNotFound
}
