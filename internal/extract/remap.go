package extract

import (
	"strings"

	"cxxkb/internal/workspace"
)

// pathFlags are compile flags whose value is a filesystem path and must
// be rewritten when it escapes to an external absolute prefix. Joined
// forms (-Ipath) and split forms (-I path) are both handled.
var pathFlags = []string{"-I", "-isystem", "-iquote", "-include", "-idirafter", "--sysroot="}

// RemapArgs rewrites path-valued compile arguments through the manifest's
// path remaps, so includes that point at external absolute prefixes land
// back inside the workspace checkout. Non-path arguments pass through
// untouched.
func RemapArgs(args []string, remaps [][2]string) []string {
	if len(remaps) == 0 {
		return args
	}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		matched := false
		for _, flag := range pathFlags {
			switch {
			case arg == flag && i+1 < len(args):
				out = append(out, arg, remapPath(args[i+1], remaps))
				i++
				matched = true
			case strings.HasPrefix(arg, flag) && len(arg) > len(flag):
				out = append(out, flag+remapPath(arg[len(flag):], remaps))
				matched = true
			}
			if matched {
				break
			}
		}
		if !matched {
			out = append(out, arg)
		}
	}
	return out
}

func remapPath(path string, remaps [][2]string) string {
	norm := workspace.NormalizePath(path)
	for _, pair := range remaps {
		from := strings.TrimRight(pair[0], "/")
		if !hasPrefixFold(norm, from) {
			continue
		}
		suffix := strings.TrimLeft(norm[len(from):], "/")
		if suffix == "" {
			return pair[1]
		}
		return pair[1] + "/" + suffix
	}
	return path
}

func hasPrefixFold(path, prefix string) bool {
	if prefix == "" || len(path) < len(prefix) {
		return false
	}
	if !strings.EqualFold(path[:len(prefix)], prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
