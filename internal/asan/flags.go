package asan

import (
	"os"
	"strconv"
	"strings"
)

// Flags are the sanitizer options the quarantine engine depends on.
type Flags struct {
	// HaltOnError aborts on the first report. When false, an error callback
	// may let execution continue.
	HaltOnError bool

	// DetectLeaks runs the leak check at shutdown. When false, process-exit
	// cleanup of quarantined memory is skipped.
	DetectLeaks bool

	// ExitCode is the process exit status used by Abort.
	ExitCode int
}

// DefaultFlags returns the sanitizer defaults: halt_on_error=1,
// detect_leaks=1, exitcode=1.
func DefaultFlags() Flags {
	return Flags{
		HaltOnError: true,
		DetectLeaks: true,
		ExitCode:    1,
	}
}

// keyValueDelimiters separate "key=value" pairs in an options string.
const keyValueDelimiters = " ,:\n\t\r"

// ParseFlags applies an ASAN_OPTIONS-style string on top of base.
//
// The string is split on any of " ,:\n\t\r"; each token of the form
// key=value sets one option. Unknown keys and malformed values are ignored
// and leave the previous value in place. Booleans accept true/1/false/0.
func ParseFlags(options string, base Flags) Flags {
	kv := parseKeyValues(options)

	base.HaltOnError = boolFlag(kv, "halt_on_error", base.HaltOnError)
	base.DetectLeaks = boolFlag(kv, "detect_leaks", base.DetectLeaks)
	base.ExitCode = intFlag(kv, "exitcode", base.ExitCode)
	return base
}

// FlagsFromEnv parses the ASAN_OPTIONS environment variable over the defaults.
func FlagsFromEnv() Flags {
	return ParseFlags(os.Getenv("ASAN_OPTIONS"), DefaultFlags())
}

// String renders f back into options syntax.
func (f Flags) String() string {
	return "halt_on_error=" + boolString(f.HaltOnError) +
		":detect_leaks=" + boolString(f.DetectLeaks) +
		":exitcode=" + strconv.Itoa(f.ExitCode)
}

func parseKeyValues(options string) map[string]string {
	kv := make(map[string]string)
	tokens := strings.FieldsFunc(options, func(r rune) bool {
		return strings.ContainsRune(keyValueDelimiters, r)
	})
	for _, tok := range tokens {
		// Later occurrences override earlier ones.
		if key, value, ok := strings.Cut(tok, "="); ok {
			kv[key] = value
		}
	}
	return kv
}

func boolFlag(kv map[string]string, name string, def bool) bool {
	switch kv[name] {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

func intFlag(kv map[string]string, name string, def int) int {
	v, ok := kv[name]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
