package backend

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ResolveCLI locates the executable for a backend CLI. On Windows the .cmd
// shim is preferred because the bare name often resolves to a PowerShell
// alias that cannot be exec'd, and the npm global directory is probed as a
// fallback since it is frequently missing from PATH.
func ResolveCLI(name string) (string, error) {
	candidates := candidateNames(name)
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
	}
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		npmBin := filepath.Join(appdata, "npm")
		for _, c := range candidates {
			p := filepath.Join(npmBin, c)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%s CLI not found (tried %s); ensure it is installed and on PATH",
		name, strings.Join(candidates, ", "))
}

func candidateNames(name string) []string {
	if runtime.GOOS != "windows" {
		return []string{name}
	}
	return []string{name + ".cmd", name + ".exe", name + ".bat", name}
}
