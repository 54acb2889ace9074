package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// droppedArgs are compile arguments that never affect parse semantics:
// MSVC noise (debug info, runtime checks, output control) and the
// compile/output switches themselves.
var droppedArgs = map[string]bool{
	"/nologo":       true,
	"/Zi":           true,
	"/Z7":           true,
	"/FS":           true,
	"/RTC1":         true,
	"/RTCc":         true,
	"/RTCs":         true,
	"/RTCu":         true,
	"/Od":           true,
	"/Ob0":          true,
	"/EHsc":         true,
	"/utf-8":        true,
	"/permissive-":  true,
	"/Zc:twoPhase-": true,
	"-MD":           true,
	"-MDd":          true,
	"-MT":           true,
	"-MTd":          true,
	"/c":            true,
	"-c":            true,
	"-TP":           true,
	"/TP":           true,
}

// SanitizeArgs normalizes a compile argument list into the Clang-style
// form used for both hashing and extractor invocation. MSVC spellings are
// translated to their Clang equivalents, and arguments that cannot change
// the parse (output paths, debug info, runtime checks) are dropped.
//
// Translations:
//
//	/DFOO=1      -> -DFOO=1
//	/Ipath       -> -Ipath
//	/FIheader.h  -> -include header.h   (two tokens)
//	/FI header.h -> -include header.h
//	/std:c++17   -> -std=c++17
func SanitizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "" || droppedArgs[arg] {
			continue
		}
		if strings.HasPrefix(arg, "/Fo") || strings.HasPrefix(arg, "/Fd") {
			continue
		}

		switch {
		case strings.HasPrefix(arg, "/D") && len(arg) > 2:
			out = append(out, "-D"+arg[2:])
		case strings.HasPrefix(arg, "/FI") && len(arg) > 3:
			out = append(out, "-include", arg[3:])
		case arg == "/FI" && i+1 < len(args):
			out = append(out, "-include", args[i+1])
			i++
		case strings.HasPrefix(arg, "/I") && len(arg) > 2:
			out = append(out, "-I"+arg[2:])
		case strings.HasPrefix(arg, "/std:") && len(arg) > 5:
			out = append(out, "-std="+arg[5:])
		default:
			out = append(out, arg)
		}
	}
	return out
}

// FlagsHash digests a compile argument list. Arguments are sanitized and
// then sorted, so two entries that differ only in argument order or in
// dropped noise flags hash identically.
func FlagsHash(args []string) string {
	sanitized := SanitizeArgs(args)
	sorted := make([]string, len(sanitized))
	copy(sorted, sanitized)
	sort.Strings(sorted)

	canonical := strings.Join(sorted, "\x00")
	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:])
}
