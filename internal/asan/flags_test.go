package asan

import "testing"

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		options string
		want    Flags
	}{
		{"empty", "", DefaultFlags()},
		{"halt off", "halt_on_error=0", Flags{HaltOnError: false, DetectLeaks: true, ExitCode: 1}},
		{"colon separated", "halt_on_error=false:detect_leaks=0:exitcode=23", Flags{ExitCode: 23}},
		{"mixed delimiters", "detect_leaks=false, halt_on_error=true\texitcode=7", Flags{HaltOnError: true, ExitCode: 7}},
		{"last wins", "exitcode=2:exitcode=9", Flags{HaltOnError: true, DetectLeaks: true, ExitCode: 9}},
		{"unknown and malformed", "verbosity=2:halt_on_error=maybe:exitcode=x:detect_leaks", DefaultFlags()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseFlags(tt.options, DefaultFlags())
			if got != tt.want {
				t.Errorf("ParseFlags(%q) = %+v, want %+v", tt.options, got, tt.want)
			}
		})
	}
}

func TestFlags_String(t *testing.T) {
	f := Flags{HaltOnError: false, DetectLeaks: true, ExitCode: 42}
	want := "halt_on_error=0:detect_leaks=1:exitcode=42"
	if got := f.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	// String output parses back to the same flags.
	if got := ParseFlags(f.String(), DefaultFlags()); got != f {
		t.Errorf("ParseFlags(String()) = %+v, want %+v", got, f)
	}
}

func TestFlagsFromEnv(t *testing.T) {
	t.Setenv("ASAN_OPTIONS", "halt_on_error=0:detect_leaks=0")

	got := FlagsFromEnv()
	if got.HaltOnError || got.DetectLeaks {
		t.Errorf("FlagsFromEnv() = %+v, want both toggles off", got)
	}
	if got.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want default 1", got.ExitCode)
	}
}
