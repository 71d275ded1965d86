package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/kolkov/ptrquarantine/quarantine"
)

func runApp(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	app.ExitErrHandler = func(*cli.Context, error) {}
	err = app.Run(append([]string{"quarantine", "--arena-size", "1048576"}, args...))
	return out.String(), errOut.String(), err
}

func TestScenario_All(t *testing.T) {
	stdout, stderr, err := runApp(t, "scenario", "all")
	require.NoError(t, err, stdout)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, len(scenarios))
	for _, line := range lines {
		require.True(t, strings.HasSuffix(line, "[ok]"), line)
	}
	require.Contains(t, lines[0], "scenario 1 (quarantine and deferred free): freed after last release")
	require.Contains(t, lines[1], "PROTECTED")
	require.Contains(t, lines[2], "NOT PROTECTED, aborted (exit code 1)")
	require.Contains(t, lines[3], "NOT PROTECTED, aborted (exit code 1)")
	require.Contains(t, lines[4], "MANUAL ANALYSIS REQUIRED")

	require.Contains(t, stderr, "use-after-poison")
	require.Contains(t, stderr, "Quarantine Status: PROTECTED")
	require.Contains(t, stderr, "Quarantine Status: NOT PROTECTED")
	require.Contains(t, stderr, "pointer laundering")
}

func TestScenario_ExitCode(t *testing.T) {
	stdout, _, err := runApp(t, "--exitcode", "7", "scenario", "4")
	require.NoError(t, err)
	require.Contains(t, stdout, "aborted (exit code 7)")
}

func TestRunScenario_ErrorPathCatchesExitAbort(t *testing.T) {
	sc := scenario{
		name: "failing",
		run: func(e *quarantine.Engine) (string, error) {
			addr, err := e.Malloc(8)
			if err != nil {
				return "", err
			}
			p := e.NewPtr(addr)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = e.Free(addr)
			}()
			wg.Wait()

			// Logged from another goroutine than the free: the exit
			// check finds a race and aborts.
			p.Addr()
			return "", errors.New("scenario failed")
		},
	}
	c := quarantine.Config{
		ArenaSize: 1 << 20,
		Output:    io.Discard,
		Abort:     func(code int) { panic(abortSignal{code}) },
	}

	var (
		res result
		err error
	)
	require.NotPanics(t, func() { res, err = runScenario(sc, c, nil) })
	require.ErrorContains(t, err, "scenario failed")
	require.True(t, res.aborted)
	require.Equal(t, 1, res.code)
}

func TestScenario_JSON(t *testing.T) {
	stdout, _, err := runApp(t, "--free-check", "scenario", "--json", "2")
	require.NoError(t, err)

	dump, _, ok := strings.Cut(stdout, "\n")
	require.True(t, ok)
	var decoded struct {
		Enabled bool `json:"enabled"`
		Events  []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(dump), &decoded), dump)
	require.True(t, decoded.Enabled)
	require.NotEmpty(t, decoded.Events)
	require.Equal(t, "quarantine-entry", decoded.Events[0].Type)
}

func TestScenario_BadArgs(t *testing.T) {
	_, _, err := runApp(t, "scenario")
	require.Error(t, err)

	_, _, err = runApp(t, "scenario", "9")
	require.ErrorContains(t, err, "unknown scenario 9")

	_, _, err = runApp(t, "scenario", "x")
	require.ErrorContains(t, err, "invalid scenario")

	_, _, err = runApp(t, "--verbosity", "loud", "scenario", "1")
	require.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quarantine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDumpConfig_FileAndFlags(t *testing.T) {
	path := writeConfig(t, `
[engine]
data_race_check = true

[sanitizer]
halt_on_error = false
exitcode = 3
`)
	stdout, _, err := runApp(t, "--config", path, "--exitcode", "5", "dumpconfig")
	require.NoError(t, err)

	var cfg config
	_, err = toml.Decode(stdout, &cfg)
	require.NoError(t, err, stdout)
	require.True(t, cfg.Engine.DataRaceCheck)
	require.False(t, cfg.Engine.FreeAfterQuarantinedCheck)
	require.False(t, cfg.Sanitizer.HaltOnError)
	require.True(t, cfg.Sanitizer.DetectLeaks, "defaults survive a partial file")
	require.Equal(t, 5, cfg.Sanitizer.ExitCode, "flags override the file")
	require.Equal(t, 1048576, cfg.Sanitizer.ArenaSize)
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	path := writeConfig(t, "[engine]\nrace = true\n")
	_, err := loadConfig(path)
	require.ErrorContains(t, err, "unknown keys engine.race")
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestSanitizerOptions(t *testing.T) {
	c := defaultConfig().Sanitizer
	require.Equal(t, "halt_on_error=1:detect_leaks=1:exitcode=1", c.options())
	c.HaltOnError = false
	c.ExitCode = 9
	require.Equal(t, "halt_on_error=0:detect_leaks=1:exitcode=9", c.options())
}

func TestVersion(t *testing.T) {
	stdout, _, err := runApp(t, "version")
	require.NoError(t, err)
	require.Contains(t, stdout, "quarantine version 0.1.0")

	_, _, err = runApp(t, "version", "--require", "v0.1.0")
	require.NoError(t, err)

	_, _, err = runApp(t, "version", "--require", "v2.0.0")
	require.ErrorContains(t, err, "not compatible")
}
