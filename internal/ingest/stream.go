package ingest

import (
	"context"
	"io"
	"log"

	"github.com/Ashfaaq98/ta-cortex/internal/bus"
)

// StreamConsumer submits observables queued on the bus.
type StreamConsumer struct {
	bus      bus.Bus
	sub      Submitter
	group    string
	consumer string
	logger   *log.Logger
	debug    *log.Logger
}

func NewStreamConsumer(b bus.Bus, sub Submitter, group, consumer string, logger, debug *log.Logger) *StreamConsumer {
	if logger == nil {
		logger = log.New(log.Writer(), "[ingest-stream] ", log.LstdFlags)
	}
	if debug == nil {
		debug = log.New(io.Discard, "", 0)
	}
	if group == "" {
		group = "ta-cortex"
	}
	if consumer == "" {
		consumer = "ta-cortex-1"
	}
	return &StreamConsumer{bus: b, sub: sub, group: group, consumer: consumer, logger: logger, debug: debug}
}

// Run consumes until ctx is cancelled.
func (sc *StreamConsumer) Run(ctx context.Context) error {
	return sc.bus.ReadObservables(ctx, sc.group, sc.consumer, sc.Handle)
}

// Handle submits one observable. Malformed or unsatisfiable entries are
// logged and acknowledged; other failures are returned so the entry stays
// pending.
func (sc *StreamConsumer) Handle(ctx context.Context, obs bus.ObservableMessage) error {
	req, err := FromFields(map[string]string{
		"data":      obs.Data,
		"dataType":  obs.DataType,
		"tlp":       obs.TLP,
		"pap":       obs.PAP,
		"analyzers": obs.Analyzers,
		"sid":       obs.SID,
	}, sc.debug)
	if err != nil {
		sc.logger.Printf("Dropping observable %s: %v", obs.ID, err)
		return nil
	}
	req = withSID(req, obs.ID)

	handles, err := sc.sub.Submit(ctx, req)
	if err != nil {
		if permanent(err) {
			sc.logger.Printf("Dropping observable %s: %v", obs.ID, err)
			return nil
		}
		return err
	}
	sc.debug.Printf("Observable %s submitted as %d job(s)", obs.ID, len(handles))
	return nil
}
