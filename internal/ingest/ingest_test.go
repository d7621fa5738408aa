package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/exitcode"
)

// fakeSubmitter records requests and answers one handle per request.
type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []Request
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req Request) ([]cortex.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if req.DataType == "bogus" {
		return nil, exitcode.New(exitcode.WrongDataType, exitcode.TagWrongDataType, "This data type (%s) is not allowed", req.DataType)
	}
	f.reqs = append(f.reqs, req)
	return []cortex.Job{{ID: fmt.Sprintf("job-%d", len(f.reqs)), Data: req.Data, Status: cortex.StatusWaiting}}, nil
}

func (f *fakeSubmitter) requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.reqs...)
}

var errUnavailable = exitcode.Wrap(exitcode.ServiceUnavailable, exitcode.TagServiceUnavailable,
	errors.New("dial tcp: connection refused"), "Cortex service is unavailable, is configuration correct ?")
