package gates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// pathWhitelist is the closed set of directories tool invocation may resolve
// from. Anything else in PATH is dropped at startup.
var pathWhitelist = map[string]bool{
	"/usr/local/bin":    true,
	"/usr/local/sbin":   true,
	"/usr/bin":          true,
	"/usr/sbin":         true,
	"/bin":              true,
	"/sbin":             true,
	"/usr/local/go/bin": true,
}

// SanitizePath rewrites the process PATH to contain only whitelisted,
// root-owned, non-world-writable directories. A writable-by-user directory
// appearing in PATH is refused outright: the whole call errors so the caller
// fails fast instead of running gates with a poisoned search path.
func SanitizePath(extra ...string) error {
	allowed := make(map[string]bool, len(pathWhitelist)+len(extra))
	for d := range pathWhitelist {
		allowed[d] = true
	}
	for _, d := range extra {
		allowed[filepath.Clean(d)] = true
	}

	var kept []string
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		dir = filepath.Clean(dir)
		if !allowed[dir] {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0o002 != 0 {
			return fmt.Errorf("refusing world-writable PATH entry %s", dir)
		}
		if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Uid != 0 {
			return fmt.Errorf("refusing PATH entry %s not owned by root", dir)
		}
		kept = append(kept, dir)
	}
	if len(kept) == 0 {
		return fmt.Errorf("no whitelisted directories remain in PATH")
	}
	return os.Setenv("PATH", strings.Join(kept, string(os.PathListSeparator)))
}
