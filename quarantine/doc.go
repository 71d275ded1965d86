// Package quarantine provides a dangling-pointer quarantine engine with
// after-the-fact crash forensics.
//
// Memory that is freed while guarded pointers still reference it is not
// returned to the allocator. It is filled with a sentinel pattern, poisoned
// and kept alive ("quarantined") until the last guarded reference goes
// away. Any access to it in the meantime is reported by the sanitizer as
// use-after-poison, and the engine decides from its event log whether the
// access was neutralized by quarantine or is a genuine, exploitable
// use-after-free.
//
// # Quick Start
//
//	engine, err := quarantine.New(quarantine.Config{
//		Sanitizer: "halt_on_error=0",
//		Engine:    quarantine.Options{DataRaceCheck: true},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	addr, _ := engine.Malloc(64)
//	p := engine.NewPtr(addr) // guarded reference
//	_ = engine.Free(addr)    // quarantined: p still references it
//
//	p.Load(8)                // use-after-poison, classified PROTECTED
//	p.Release()              // last reference: the deferred free happens
//
// # API Overview
//
//   - Lifecycle: [New], [Engine.Close], [Engine.IsEnabled]
//   - Instrumented memory: [Engine.Malloc], [Engine.Free], [Engine.Load], [Engine.Store]
//   - Guarded pointers: [Engine.NewPtr], [Ptr]
//   - Forensics: [Engine.Check], [Engine.Classify], [Engine.IsQuarantined], [Engine.Stats], [Engine.DumpJSON]
//   - Version information: [GetInfo], [Version], [CompatibleWith]
//
// # Verdicts
//
// Every sanitizer report and the exit check produce a [Status]:
//
//	PROTECTED                 the access hit quarantined memory and was harmless
//	NOT PROTECTED             laundering, a cross-thread race, or memory quarantine never covered
//	MANUAL ANALYSIS REQUIRED  the memory was allocated before the engine attached
//	UNKNOWN                   nothing in the log explains the crash
//
// At Close the engine prints the event log and aborts the process if any
// access was NOT PROTECTED or needs manual analysis.
//
// # Sanitizer options
//
// [Config.Sanitizer] takes an ASAN_OPTIONS-style string. The options the
// engine depends on are halt_on_error (abort on the first report, default 1),
// detect_leaks (release quarantined memory and check for leaks at Close,
// default 1) and exitcode (default 1).
package quarantine
