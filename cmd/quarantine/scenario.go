package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"

	"github.com/kolkov/ptrquarantine/quarantine"
)

// scenario is one forensic walkthrough run on a fresh engine.
type scenario struct {
	name string

	// continues forces halt_on_error=0; the scenario needs execution to
	// continue past a quarantined access.
	continues bool

	// detached creates the engine unattached; run attaches it.
	detached bool

	run func(e *quarantine.Engine) (string, error)

	// want is the outcome returned by run, or the verdict at the abort
	// when run aborts; wantAbort is whether the scenario ends in a
	// sanitizer abort (during run or at exit).
	want      string
	wantAbort bool
}

var scenarios = map[int]scenario{
	1: {
		name: "quarantine and deferred free",
		run:  quarantineAndDeferredFree,
		want: "freed after last release",
	},
	2: {
		name:      "protected quarantined read",
		continues: true,
		run:       protectedRead,
		want:      quarantine.StatusProtected.String(),
	},
	3: {
		name:      "cross-thread race",
		continues: true,
		run:       crossThreadRace,
		want:      quarantine.StatusNotProtected.String(),
		wantAbort: true,
	},
	4: {
		name:      "pointer laundering",
		run:       pointerLaundering,
		want:      quarantine.StatusNotProtected.String(),
		wantAbort: true,
	},
	5: {
		name:     "early allocation",
		detached: true,
		run:      earlyAllocation,
		want:     quarantine.StatusManualAnalysisRequired.String(),
	},
}

// abortSignal replaces process termination while a scenario runs.
type abortSignal struct{ code int }

type result struct {
	outcome string
	aborted bool
	code    int
	leaks   int
}

func (r result) String() string {
	s := r.outcome
	if s == "" {
		s = "-"
	}
	if r.aborted {
		s += fmt.Sprintf(", aborted (exit code %d)", r.code)
	}
	if r.leaks > 0 {
		s += fmt.Sprintf(", %d leak(s)", r.leaks)
	}
	return s
}

func runScenarios(ctx *cli.Context) error {
	ids, err := scenarioIDs(ctx.Args().Slice())
	if err != nil {
		return err
	}
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(ctx, ctx.App.ErrWriter)
	if err != nil {
		return err
	}

	failed := 0
	for _, id := range ids {
		sc := scenarios[id]
		c := quarantine.Config{
			Sanitizer: cfg.Sanitizer.options(),
			ArenaSize: cfg.Sanitizer.ArenaSize,
			Output:    ctx.App.ErrWriter,
			Logger:    logger,
			Abort:     func(code int) { panic(abortSignal{code}) },
			Engine:    cfg.Engine.options(),
			Detached:  sc.detached,
		}
		if sc.continues {
			c.Sanitizer += ":halt_on_error=0"
		}

		var dump io.Writer
		if ctx.Bool(jsonFlag.Name) {
			dump = ctx.App.Writer
		}
		res, err := runScenario(sc, c, dump)
		if err != nil {
			return errors.Wrapf(err, "scenario %d", id)
		}

		status := "ok"
		if res.outcome != sc.want || res.aborted != sc.wantAbort {
			status = "UNEXPECTED"
			failed++
		}
		fmt.Fprintf(ctx.App.Writer, "scenario %d (%s): %s [%s]\n", id, sc.name, res, status)
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d scenario(s) ended unexpectedly", failed), 1)
	}
	return nil
}

// runScenario runs sc on a fresh engine and closes it, recovering
// sanitizer aborts from either step.
func runScenario(sc scenario, c quarantine.Config, dump io.Writer) (res result, err error) {
	e, err := quarantine.New(c)
	if err != nil {
		return res, err
	}

	catch := func(fn func()) {
		defer func() {
			if r := recover(); r != nil {
				sig, ok := r.(abortSignal)
				if !ok {
					panic(r)
				}
				if !res.aborted {
					res.aborted, res.code = true, sig.code
				}
			}
		}()
		fn()
	}

	catch(func() { res.outcome, err = sc.run(e) })
	if err != nil {
		catch(func() { _, _ = e.Close() })
		return res, err
	}
	if res.aborted && res.outcome == "" {
		res.outcome = e.Classify(0).Status.String()
	}
	if dump != nil {
		if err := e.DumpJSON(dump); err != nil {
			return res, err
		}
		fmt.Fprintln(dump)
	}
	catch(func() { res.leaks, err = e.Close() })
	return res, err
}

func scenarioIDs(args []string) ([]int, error) {
	if len(args) == 0 {
		return nil, errors.New("no scenario given (1-5 or all)")
	}
	var ids []int
	for _, arg := range args {
		if arg == "all" {
			for id := range scenarios {
				ids = append(ids, id)
			}
			continue
		}
		id, err := strconv.Atoi(arg)
		if err != nil {
			return nil, errors.Newf("invalid scenario %q", arg)
		}
		if _, ok := scenarios[id]; !ok {
			return nil, errors.Newf("unknown scenario %d", id)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// quarantineAndDeferredFree frees an allocation held by four guarded
// pointers and releases them one by one.
func quarantineAndDeferredFree(e *quarantine.Engine) (string, error) {
	addr, err := e.Malloc(64)
	if err != nil {
		return "", err
	}
	refs := []quarantine.Ptr{e.NewPtr(addr)}
	for i := 0; i < 3; i++ {
		refs = append(refs, refs[0].Copy())
	}
	if got := e.Stats().Store.References; got != 4 {
		return fmt.Sprintf("%d references", got), nil
	}

	if err := e.Free(addr); err != nil {
		return "", err
	}
	if !e.IsQuarantined(addr) {
		return "not quarantined", nil
	}
	for i := range refs {
		if e.IsFreed(addr) {
			return fmt.Sprintf("freed with %d reference(s) left", len(refs)-i), nil
		}
		refs[i].Release()
	}
	if !e.IsFreed(addr) {
		return "still retained", nil
	}
	return "freed after last release", nil
}

// protectedRead dereferences a guarded pointer into quarantined memory.
func protectedRead(e *quarantine.Engine) (string, error) {
	addr, err := e.Malloc(32)
	if err != nil {
		return "", err
	}
	p := e.NewPtr(addr)
	defer p.Release()
	if err := e.Free(addr); err != nil {
		return "", err
	}

	p.Load(8)
	return e.Classify(addr).Status.String(), nil
}

// crossThreadRace frees on one goroutine and reads on another. The read
// aborts: a race is never continued past.
func crossThreadRace(e *quarantine.Engine) (string, error) {
	addr, err := e.Malloc(32)
	if err != nil {
		return "", err
	}
	p := e.NewPtr(addr)

	var (
		wg      sync.WaitGroup
		freeErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		freeErr = e.Free(addr)
	}()
	wg.Wait()
	if freeErr != nil {
		return "", freeErr
	}

	p.Load(8)
	v := e.Check()
	p.Release()
	return v.Status.String(), nil
}

// pointerLaundering stores a genuinely freed address in a guarded pointer.
func pointerLaundering(e *quarantine.Engine) (string, error) {
	addr, err := e.Malloc(16)
	if err != nil {
		return "", err
	}
	if err := e.Free(addr); err != nil {
		return "", err
	}
	p := e.NewPtr(addr)
	p.Release()
	return "laundering accepted", nil
}

// earlyAllocation frees memory allocated before the engine attached.
func earlyAllocation(e *quarantine.Engine) (string, error) {
	addr, err := e.Malloc(24)
	if err != nil {
		return "", err
	}
	if err := e.Configure(quarantine.Options{}); err != nil {
		return "", err
	}
	if err := e.Free(addr); err != nil {
		return "", err
	}
	if e.IsFreed(addr) {
		return "freed", nil
	}
	return e.Classify(addr).Status.String(), nil
}
