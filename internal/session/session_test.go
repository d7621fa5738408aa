package session

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/ta-cortex/internal/bus"
	"github.com/Ashfaaq98/ta-cortex/internal/cache"
	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/cortex/cortextest"
	"github.com/Ashfaaq98/ta-cortex/internal/exitcode"
	"github.com/Ashfaaq98/ta-cortex/internal/job"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

const apiKey = "test-key"

func fastOptions() Options {
	return Options{MaxRetries: 2, Backoff: time.Millisecond, Timeout: 5 * time.Second}
}

func openTest(t *testing.T, opts Options) (*Session, *cortextest.Server) {
	t.Helper()
	srv := cortextest.NewServer(apiKey, cortextest.DefaultAnalyzers()...)
	t.Cleanup(srv.Close)

	s, err := Open(context.Background(), srv.URL, apiKey, opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, srv
}

func TestOpenErrors(t *testing.T) {
	srv := cortextest.NewServer(apiKey, cortextest.DefaultAnalyzers()...)
	defer srv.Close()
	ctx := context.Background()

	_, err := Open(ctx, srv.URL, "wrong", fastOptions())
	require.Error(t, err)
	assert.Equal(t, exitcode.AuthenticationFail, exitcode.Code(err))
	assert.Contains(t, err.Error(), "[12-AUTHENTICATION ERROR] Credentials are invalid")

	srv.ForceStatus(http.StatusForbidden)
	_, err = Open(ctx, srv.URL, apiKey, fastOptions())
	assert.Equal(t, 12, exitcode.Code(err))

	srv.ForceStatus(http.StatusNotFound)
	_, err = Open(ctx, srv.URL, apiKey, fastOptions())
	assert.Equal(t, exitcode.ResourceNotFound, exitcode.Code(err))
	assert.Contains(t, err.Error(), "[10-RESOURCE NOT FOUND] Cortex service is unavailable, is configuration correct ?")

	srv.ForceStatus(http.StatusServiceUnavailable)
	_, err = Open(ctx, srv.URL, apiKey, fastOptions())
	assert.Equal(t, exitcode.ServiceUnavailable, exitcode.Code(err))

	srv.ForceStatus(0)
	srv.Close()
	_, err = Open(ctx, srv.URL, apiKey, fastOptions())
	assert.Equal(t, 11, exitcode.Code(err))
	assert.Contains(t, err.Error(), "[11-SERVICE UNAVAILABLE]")
}

func TestAddJobAllAnalyzers(t *testing.T) {
	s, _ := openTest(t, fastOptions())

	require.NoError(t, s.AddJob(context.Background(), "8.8.8.8", "IP", job.Amber, job.Amber, job.AllAnalyzers))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ip", jobs[0].DataType)
	assert.Equal(t, []string{"AbuseIPDB_1_0", "VirusTotal_GetReport_3_1"}, jobs[0].AnalyzerNames())
}

func TestAddJobNamedAnalyzers(t *testing.T) {
	s, _ := openTest(t, fastOptions())
	ctx := context.Background()

	require.NoError(t, s.AddJob(ctx, "evil.example.com", "domain", job.Green, job.Red, " URLhaus_2_0 ; VirusTotal_GetReport_3_1"))
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"URLhaus_2_0", "VirusTotal_GetReport_3_1"}, jobs[0].AnalyzerNames())

	err := s.AddJob(ctx, "evil.example.com", "domain", 2, 2, "URLhaus_2_0;Nope_1_0")
	require.Error(t, err)
	assert.Equal(t, exitcode.AnalyzerNotFound, exitcode.Code(err))
	assert.Contains(t, err.Error(), "[22-ANALYZER NOT FOUND] This analyzer (Nope_1_0) doesn't exist")
	assert.Len(t, s.Jobs(), 1, "failed job is not queued")
}

func TestAddJobWrongDataType(t *testing.T) {
	s, _ := openTest(t, fastOptions())

	err := s.AddJob(context.Background(), "x", "ipv6", 2, 2, job.AllAnalyzers)
	require.Error(t, err)
	assert.Equal(t, exitcode.WrongDataType, exitcode.Code(err))
	assert.Contains(t, err.Error(), "This data type (ipv6) is not allowed")
	assert.Empty(t, s.Jobs())
}

func TestRunJobs(t *testing.T) {
	var debug bytes.Buffer
	opts := fastOptions()
	opts.SID = "1700000000.42"
	opts.Debug = log.New(&debug, "", 0)
	s, srv := openTest(t, opts)
	ctx := context.Background()

	require.NoError(t, s.AddJob(ctx, "8.8.8.8", "ip", job.Green, job.White, "AbuseIPDB_1_0"))
	require.NoError(t, s.AddJob(ctx, "evil.example.com", "domain", job.Amber, job.Amber, job.AllAnalyzers))

	handles, err := s.RunJobs(ctx)
	require.NoError(t, err)
	require.Len(t, handles, 3)
	assert.Equal(t, "job-1", handles[0].ID)
	assert.Equal(t, "AbuseIPDB_1_0", handles[0].AnalyzerName)
	assert.Equal(t, "VirusTotal_GetReport_3_1", handles[1].AnalyzerName)
	assert.Equal(t, "URLhaus_2_0", handles[2].AnalyzerName)
	assert.Empty(t, s.Jobs(), "queue is cleared")

	runs := srv.Runs()
	require.Len(t, runs, 3)
	for _, r := range runs {
		assert.True(t, r.Force)
		assert.Equal(t, "sid:1700000000.42", r.Observable.Message)
	}
	assert.Equal(t, cortex.Observable{Data: "8.8.8.8", DataType: "ip", TLP: 1, PAP: 0, Message: "sid:1700000000.42"}, runs[0].Observable)
	assert.Contains(t, debug.String(), `JOB sent: {"data":"8.8.8.8","dataType":"ip","tlp":1,"pap":0,"message":"sid:1700000000.42"}`)

	again, err := s.RunJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRunJobsFailure(t *testing.T) {
	s, srv := openTest(t, fastOptions())
	ctx := context.Background()

	require.NoError(t, s.AddJob(ctx, "8.8.8.8", "ip", 2, 2, "AbuseIPDB_1_0"))
	srv.FailRuns(10)

	_, err := s.RunJobs(ctx)
	require.Error(t, err)
	assert.Equal(t, exitcode.JobFailure, exitcode.Code(err))
	assert.Contains(t, err.Error(), "[127-JOB FAILURE]")
	assert.Len(t, s.Jobs(), 1, "queue kept after a failed run")

	srv.FailRuns(0)
	handles, err := s.RunJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, handles, 1)
}

func TestRunJobsPersistsAndPublishes(t *testing.T) {
	st, err := store.NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	published := &recordingBus{NullBus: bus.NewNullBus(nil)}
	opts := fastOptions()
	opts.SID = "abc"
	opts.Store = st
	opts.Bus = published
	opts.Source = "test"
	s, srv := openTest(t, opts)
	ctx := context.Background()

	require.NoError(t, s.AddJob(ctx, "8.8.8.8", "ip", 2, 2, "AbuseIPDB_1_0"))
	handles, err := s.RunJobs(ctx)
	require.NoError(t, err)
	require.Len(t, handles, 1)

	stored, err := st.GetJob(ctx, handles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", stored.SID)
	assert.Equal(t, "test", stored.Source)
	assert.Equal(t, cortex.StatusWaiting, stored.Status)

	require.Len(t, published.jobs, 1)
	assert.Equal(t, handles[0].ID, published.jobs[0].JobID)

	audit, err := st.GetAuditEntries(ctx, store.AuditFilter{JobID: handles[0].ID}, 0)
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	srv.Finish(handles[0].ID, cortex.StatusSuccess)
	reports, err := s.Wait(ctx, handles, time.Second)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Report.Success)

	stored, err = st.GetJob(ctx, handles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, cortex.StatusSuccess, stored.Status)
}

func TestSubmit(t *testing.T) {
	st, err := store.NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	opts := fastOptions()
	opts.Store = st
	s, srv := openTest(t, opts)
	ctx := context.Background()

	handles, err := s.Submit(ctx, "http://bad.example/x", "url", 2, 2, job.AllAnalyzers, "sid-7")
	require.NoError(t, err)
	assert.Len(t, handles, 2)
	assert.Empty(t, s.Jobs(), "submit bypasses the queue")
	for _, r := range srv.Runs() {
		assert.Equal(t, "sid:sid-7", r.Observable.Message)
	}

	_, err = s.Submit(ctx, "x", "bogus", 2, 2, job.AllAnalyzers, "sid-8")
	assert.Equal(t, exitcode.WrongDataType, exitcode.Code(err))
	failures, err := st.GetAuditEntries(ctx, store.AuditFilter{SID: "sid-8", Action: store.ActionSubmitFail}, 0)
	require.NoError(t, err)
	assert.Len(t, failures, 1)
}

func TestAnalyzerCache(t *testing.T) {
	mem := cache.NewMemoryCache(10)
	defer mem.Close()
	api := &countingAPI{analyzers: cortextest.DefaultAnalyzers()}

	s, err := OpenWith(context.Background(), api, Options{Cache: mem})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddJob(ctx, "8.8.8.8", "ip", 2, 2, job.AllAnalyzers))
		require.NoError(t, s.AddJob(ctx, "8.8.8.8", "ip", 2, 2, "AbuseIPDB_1_0"))
	}
	assert.Equal(t, 1, api.byType)
	assert.Equal(t, 1, api.byName)
	assert.Len(t, s.Jobs(), 6)
}

type recordingBus struct {
	*bus.NullBus
	jobs []bus.JobMessage
}

func (b *recordingBus) PublishJob(ctx context.Context, msg bus.JobMessage) error {
	b.jobs = append(b.jobs, msg)
	return nil
}

// countingAPI serves a fixed catalogue and counts lookups.
type countingAPI struct {
	analyzers []cortex.Analyzer
	byType    int
	byName    int
}

func (c *countingAPI) FindAllAnalyzers(ctx context.Context) ([]cortex.Analyzer, error) {
	return c.analyzers, nil
}

func (c *countingAPI) AnalyzersByType(ctx context.Context, dataType string) ([]cortex.Analyzer, error) {
	c.byType++
	var out []cortex.Analyzer
	for _, a := range c.analyzers {
		if a.Supports(dataType) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (c *countingAPI) AnalyzerByName(ctx context.Context, name string) (*cortex.Analyzer, error) {
	c.byName++
	for i := range c.analyzers {
		if c.analyzers[i].Name == name {
			return &c.analyzers[i], nil
		}
	}
	return nil, nil
}

func (c *countingAPI) AnalyzerByID(ctx context.Context, id string) (*cortex.Analyzer, error) {
	return nil, &cortex.NotFoundError{}
}

func (c *countingAPI) RunAnalyzer(ctx context.Context, id string, obs cortex.Observable, force bool) (*cortex.Job, error) {
	return &cortex.Job{ID: "job-" + id, AnalyzerID: id, Status: cortex.StatusWaiting}, nil
}

func (c *countingAPI) GetJob(ctx context.Context, id string) (*cortex.Job, error) {
	return &cortex.Job{ID: id}, nil
}

func (c *countingAPI) JobReport(ctx context.Context, id string) (*cortex.Report, error) {
	return &cortex.Report{Job: cortex.Job{ID: id}}, nil
}

func (c *countingAPI) WaitReport(ctx context.Context, id string, atMost time.Duration) (*cortex.Report, error) {
	return &cortex.Report{Job: cortex.Job{ID: id}}, nil
}

func (c *countingAPI) DeleteJob(ctx context.Context, id string) error { return nil }

func (c *countingAPI) Close() {}
