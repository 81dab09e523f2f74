package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// isNavigation reports whether the line is a directory-navigation form
// handled without a subprocess: cd, cd <path>, pushd [<path>], popd.
func isNavigation(line string) bool {
	verb, _ := splitVerb(line)
	switch verb {
	case "cd", "pushd", "popd":
		return true
	}
	return false
}

func splitVerb(line string) (string, string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	arg := strings.TrimSpace(line[idx+1:])
	arg = strings.Trim(arg, `"'`)
	return line[:idx], arg
}

// navigate applies one navigation command to the tracked state. Paths
// resolve against the tracked directory, never the OS process's actual
// cwd. Caller holds e.mu.
func (e *Executor) navigate(line string) CommandResult {
	res := CommandResult{Command: line, DirChange: true}
	verb, arg := splitVerb(line)

	switch verb {
	case "cd":
		target, err := e.resolvePath(arg)
		if err != nil {
			res.ExitCode = 1
			res.Stderr = "cd: " + err.Error()
			return res
		}
		e.workDir = target

	case "pushd":
		if arg == "" {
			// Bare pushd swaps the top of the stack with the current dir
			if len(e.dirStack) == 0 {
				res.ExitCode = 1
				res.Stderr = "pushd: no other directory"
				return res
			}
			top := e.dirStack[len(e.dirStack)-1]
			e.dirStack[len(e.dirStack)-1] = e.workDir
			e.workDir = top
		} else {
			target, err := e.resolvePath(arg)
			if err != nil {
				res.ExitCode = 1
				res.Stderr = "pushd: " + err.Error()
				return res
			}
			e.dirStack = append(e.dirStack, e.workDir)
			e.workDir = target
		}
		res.Stdout = e.workDir + "\n"

	case "popd":
		if len(e.dirStack) == 0 {
			res.ExitCode = 1
			res.Stderr = "popd: directory stack empty"
			return res
		}
		target := e.dirStack[len(e.dirStack)-1]
		if info, err := os.Stat(target); err != nil || !info.IsDir() {
			res.ExitCode = 1
			res.Stderr = "popd: no such directory: " + target
			return res
		}
		e.dirStack = e.dirStack[:len(e.dirStack)-1]
		e.workDir = target
		res.Stdout = e.workDir + "\n"
	}

	return res
}

// resolvePath expands ~, resolves relative segments against the tracked
// directory, and verifies the target is an existing directory.
func (e *Executor) resolvePath(arg string) (string, error) {
	var target string

	switch {
	case arg == "" || arg == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve home directory")
		}
		target = home
	case strings.HasPrefix(arg, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve home directory")
		}
		target = filepath.Join(home, arg[2:])
	case filepath.IsAbs(arg):
		target = filepath.Clean(arg)
	default:
		target = filepath.Join(e.workDir, arg)
	}

	info, err := os.Stat(target)
	if err != nil {
		return "", fmt.Errorf("no such directory: %s", target)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", target)
	}
	return target, nil
}
