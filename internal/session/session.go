// Package session wraps a Cortex client with a job queue: jobs are built
// from an observable and an analyzer selection, then submitted together.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Ashfaaq98/ta-cortex/internal/bus"
	"github.com/Ashfaaq98/ta-cortex/internal/cache"
	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/exitcode"
	"github.com/Ashfaaq98/ta-cortex/internal/job"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

const unavailableMsg = "Cortex service is unavailable, is configuration correct ?"

// DefaultCacheTTL is how long analyzer lookups are reused.
const DefaultCacheTTL = 10 * time.Minute

// JobStore persists submitted handles.
type JobStore interface {
	SaveJob(ctx context.Context, j store.Job) error
	UpdateJobStatus(ctx context.Context, id, status string) error
	LogSubmission(ctx context.Context, j store.Job, actor string) error
	LogFailure(ctx context.Context, sid, actor string, cause error, details map[string]interface{}) error
}

// Options configures a Session. Every field is optional.
type Options struct {
	// Logger receives errors and notable events.
	Logger *log.Logger
	// Debug receives per-job traces; discarded when nil.
	Debug *log.Logger
	// SID is the search id forwarded as "sid:<sid>" by RunJobs.
	SID string
	// Source names the front end in stored jobs and audit entries.
	Source string

	Store    JobStore
	Bus      bus.Bus
	Cache    cache.Cache
	CacheTTL time.Duration

	// Client tuning passed to cortex.NewClient by Open.
	VerifyTLS  bool
	Timeout    time.Duration
	RPS        int
	MaxRetries int
	Backoff    time.Duration
}

// Session is a connected Cortex client plus the queue of pending jobs.
type Session struct {
	api    cortex.API
	opts   Options
	logger *log.Logger
	debug  *log.Logger

	mu   sync.Mutex
	jobs []*job.Job
}

// Open connects to the Cortex instance at url and checks it answers by
// listing every analyzer.
func Open(ctx context.Context, url, apiKey string, opts Options) (*Session, error) {
	client, err := cortex.NewClient(cortex.Options{
		BaseURL:    url,
		APIKey:     apiKey,
		VerifyTLS:  opts.VerifyTLS,
		Timeout:    opts.Timeout,
		RPS:        opts.RPS,
		MaxRetries: opts.MaxRetries,
		Backoff:    opts.Backoff,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s, err := OpenWith(ctx, client, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// OpenWith is Open over an existing API implementation.
func OpenWith(ctx context.Context, api cortex.API, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Debug == nil {
		opts.Debug = log.New(io.Discard, "", 0)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Source == "" {
		opts.Source = "cli"
	}

	if _, err := api.FindAllAnalyzers(ctx); err != nil {
		return nil, classify(err)
	}

	return &Session{
		api:    api,
		opts:   opts,
		logger: opts.Logger,
		debug:  opts.Debug,
	}, nil
}

// classify turns a Cortex API failure into a coded error when it means the
// instance is misconfigured, unreachable or refusing the credentials.
func classify(err error) error {
	var (
		notFound *cortex.NotFoundError
		unavail  *cortex.ServiceUnavailableError
		server   *cortex.ServerError
		authn    *cortex.AuthenticationError
		authz    *cortex.AuthorizationError
	)
	switch {
	case errors.As(err, &notFound):
		return exitcode.Wrap(exitcode.ResourceNotFound, exitcode.TagResourceNotFound, err, unavailableMsg)
	case errors.As(err, &unavail), errors.As(err, &server):
		return exitcode.Wrap(exitcode.ServiceUnavailable, exitcode.TagServiceUnavailable, err, unavailableMsg)
	case errors.As(err, &authn), errors.As(err, &authz):
		return exitcode.Wrap(exitcode.AuthenticationFail, exitcode.TagAuthentication, err, "Credentials are invalid")
	default:
		return fmt.Errorf("cortex request failed: %w", err)
	}
}

// API exposes the underlying client.
func (s *Session) API() cortex.API { return s.api }

// SID returns the search id used by RunJobs.
func (s *Session) SID() string { return s.opts.SID }

// Close releases the client.
func (s *Session) Close() {
	s.api.Close()
}

// AddJob validates the observable, resolves the analyzers and queues the job.
// analyzers is "all" or a ";" separated list of analyzer names.
func (s *Session) AddJob(ctx context.Context, data, dataType string, tlp, pap int, analyzers string) error {
	j, err := s.build(ctx, data, dataType, tlp, pap, analyzers)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	return nil
}

// Jobs returns the queued jobs.
func (s *Session) Jobs() []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*job.Job(nil), s.jobs...)
}

// RunJobs submits every queued job to each of its analyzers and returns the
// handles in submission order. The queue is emptied only when every
// submission succeeded.
func (s *Session) RunJobs(ctx context.Context) ([]cortex.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles, err := s.run(ctx, s.jobs, s.opts.SID)
	if err != nil {
		return handles, err
	}
	s.jobs = nil
	return handles, nil
}

// Submit builds one job and runs it immediately under sid, bypassing the
// queue. Front ends use it so concurrent requests never share a batch.
func (s *Session) Submit(ctx context.Context, data, dataType string, tlp, pap int, analyzers, sid string) ([]cortex.Job, error) {
	j, err := s.build(ctx, data, dataType, tlp, pap, analyzers)
	if err != nil {
		s.recordFailure(ctx, sid, err, data, dataType)
		return nil, err
	}
	handles, err := s.run(ctx, []*job.Job{j}, sid)
	if err != nil {
		s.recordFailure(ctx, sid, err, data, dataType)
	}
	return handles, err
}

func (s *Session) build(ctx context.Context, data, dataType string, tlp, pap int, analyzers string) (*job.Job, error) {
	dt, err := job.NormalizeDataType(dataType)
	if err != nil {
		return nil, err
	}

	var resolved []cortex.Analyzer
	if analyzers == job.AllAnalyzers {
		resolved, err = s.analyzersByType(ctx, dt)
		if err != nil {
			return nil, err
		}
	} else {
		for _, name := range strings.Split(strings.ReplaceAll(analyzers, " ", ""), ";") {
			a, err := s.analyzerByName(ctx, name)
			if err != nil {
				return nil, err
			}
			if a == nil {
				return nil, exitcode.New(exitcode.AnalyzerNotFound, exitcode.TagAnalyzerNotFound,
					"This analyzer (%s) doesn't exist", name)
			}
			resolved = append(resolved, *a)
		}
	}

	j, err := job.New(data, dt, tlp, pap, resolved)
	if err != nil {
		return nil, err
	}
	s.debug.Printf("[%s] DataType: %q", j.Data, j.DataType)
	s.debug.Printf("[%s] TLP: %q", j.Data, fmt.Sprint(j.TLP))
	s.debug.Printf("[%s] PAP: %q", j.Data, fmt.Sprint(j.PAP))
	s.debug.Printf("[%s] Analyzers %v", j.Data, j.AnalyzerNames())
	return j, nil
}

func (s *Session) analyzersByType(ctx context.Context, dataType string) ([]cortex.Analyzer, error) {
	key := cache.TypeKey(dataType)
	if s.opts.Cache != nil {
		if v, ok := s.opts.Cache.Get(key); ok {
			return v, nil
		}
	}
	list, err := s.api.AnalyzersByType(ctx, dataType)
	if err != nil {
		return nil, classify(err)
	}
	if s.opts.Cache != nil {
		s.opts.Cache.Set(key, list, s.opts.CacheTTL)
	}
	return list, nil
}

func (s *Session) analyzerByName(ctx context.Context, name string) (*cortex.Analyzer, error) {
	key := cache.NameKey(name)
	if s.opts.Cache != nil {
		if v, ok := s.opts.Cache.Get(key); ok && len(v) > 0 {
			return &v[0], nil
		}
	}
	a, err := s.api.AnalyzerByName(ctx, name)
	if err != nil {
		return nil, classify(err)
	}
	if a != nil && s.opts.Cache != nil {
		s.opts.Cache.Set(key, []cortex.Analyzer{*a}, s.opts.CacheTTL)
	}
	return a, nil
}

func (s *Session) run(ctx context.Context, jobs []*job.Job, sid string) ([]cortex.Job, error) {
	var handles []cortex.Job
	for _, j := range jobs {
		obs := j.Observable()
		obs.Message = "sid:" + sid
		for _, a := range j.Analyzers {
			if b, err := json.Marshal(obs); err == nil {
				s.debug.Printf("JOB sent: %s", b)
			}
			h, err := s.api.RunAnalyzer(ctx, a.ID, obs, true)
			if err != nil {
				s.logger.Printf("Submitting %s to %s failed: %v", j.Data, a.Name, err)
				return handles, exitcode.Wrap(exitcode.JobFailure, exitcode.TagJobFailure, err, "%v", err)
			}
			if h.AnalyzerName == "" {
				h.AnalyzerName = a.Name
			}
			if h.AnalyzerID == "" {
				h.AnalyzerID = a.ID
			}
			handles = append(handles, *h)
			s.record(ctx, *h, obs, sid)
		}
	}
	return handles, nil
}

// record persists and announces a handle. Failures are logged only: the
// analyzer run already happened.
func (s *Session) record(ctx context.Context, h cortex.Job, obs cortex.Observable, sid string) {
	if s.opts.Store != nil {
		sj := store.Job{
			ID:           h.ID,
			AnalyzerID:   h.AnalyzerID,
			AnalyzerName: h.AnalyzerName,
			Data:         obs.Data,
			DataType:     obs.DataType,
			TLP:          obs.TLP,
			PAP:          obs.PAP,
			Status:       h.Status,
			SID:          sid,
			Message:      obs.Message,
			Source:       s.opts.Source,
			CreatedAt:    h.Created(),
		}
		if err := s.opts.Store.SaveJob(ctx, sj); err != nil {
			s.logger.Printf("Failed to store job %s: %v", h.ID, err)
		} else if err := s.opts.Store.LogSubmission(ctx, sj, s.opts.Source); err != nil {
			s.logger.Printf("Failed to audit job %s: %v", h.ID, err)
		}
	}
	if s.opts.Bus != nil {
		msg := bus.JobMessage{
			JobID:        h.ID,
			AnalyzerID:   h.AnalyzerID,
			AnalyzerName: h.AnalyzerName,
			Data:         obs.Data,
			DataType:     obs.DataType,
			TLP:          obs.TLP,
			PAP:          obs.PAP,
			SID:          sid,
			Status:       h.Status,
		}
		if err := s.opts.Bus.PublishJob(ctx, msg); err != nil {
			s.logger.Printf("Failed to publish job %s: %v", h.ID, err)
		}
	}
}

func (s *Session) recordFailure(ctx context.Context, sid string, cause error, data, dataType string) {
	if s.opts.Store == nil {
		return
	}
	details := map[string]interface{}{"data": data, "data_type": dataType, "code": exitcode.Code(cause)}
	if err := s.opts.Store.LogFailure(ctx, sid, s.opts.Source, cause, details); err != nil {
		s.logger.Printf("Failed to audit failure: %v", err)
	}
}

// Wait fetches the report of each handle, letting Cortex hold every request
// up to atMost. Stored statuses are refreshed when a store is configured.
func (s *Session) Wait(ctx context.Context, handles []cortex.Job, atMost time.Duration) ([]cortex.Report, error) {
	reports := make([]cortex.Report, 0, len(handles))
	for _, h := range handles {
		r, err := s.api.WaitReport(ctx, h.ID, atMost)
		if err != nil {
			return reports, fmt.Errorf("wait for job %s: %w", h.ID, err)
		}
		reports = append(reports, *r)
		if s.opts.Store != nil {
			if err := s.opts.Store.UpdateJobStatus(ctx, h.ID, r.Status); err != nil && !errors.Is(err, store.ErrNotFound) {
				s.logger.Printf("Failed to update job %s: %v", h.ID, err)
			}
		}
	}
	return reports, nil
}
