package service

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/kolkov/ptrquarantine/internal/quarantine/metadata"
)

// Stats is a snapshot of the engine state.
type Stats struct {
	Enabled      bool
	Store        metadata.Stats
	Events       int
	ShadowScale  uint
	ShadowOffset uintptr
}

// Stats returns the current engine statistics. Counts are approximate
// while other goroutines use the engine.
func (s *Service) Stats() Stats {
	s.cfgMu.Lock()
	scale, offset := s.shadowScale, s.shadowOffset
	s.cfgMu.Unlock()

	return Stats{
		Enabled:      s.IsEnabled(),
		Store:        s.store.Stats(),
		Events:       s.log.Len(),
		ShadowScale:  scale,
		ShadowOffset: offset,
	}
}

// DumpJSON writes the engine statistics and the full event log to out as
// one JSON object, for offline forensic analysis.
func (s *Service) DumpJSON(out io.Writer) error {
	st := s.Stats()

	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("enabled").Bool(st.Enabled)
	obj.Name("shadowScale").Int(int(st.ShadowScale))
	obj.Name("shadowOffset").String(hexAddr(st.ShadowOffset))

	store := obj.Name("store").Object()
	store.Name("records").Int(st.Store.Records)
	store.Name("live").Int(st.Store.Live)
	store.Name("quarantined").Int(st.Store.Quarantined)
	store.Name("early").Int(st.Store.Early)
	store.Name("references").Int(int(st.Store.References))
	store.Name("maxShardLength").Int(st.Store.MaxShardLength)
	store.End()

	s.log.WriteJSON(obj.Name("events"))
	obj.End()

	if err := w.Error(); err != nil {
		return errors.Wrap(err, "encode forensic dump")
	}
	if _, err := out.Write(w.Bytes()); err != nil {
		return errors.Wrap(err, "write forensic dump")
	}
	return nil
}
