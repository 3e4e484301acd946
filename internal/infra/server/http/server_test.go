package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/jobs"
	"github.com/quantfeed/tickvault/internal/recon"
	"github.com/quantfeed/tickvault/internal/schedule"
	"github.com/quantfeed/tickvault/internal/status"
)

type fakeStatus struct{ snap status.Snapshot }

func (f fakeStatus) Snapshot() status.Snapshot { return f.snap }

type fakeSchedules struct {
	scheds map[string]schedule.CronSchedule
}

func newFakeSchedules() *fakeSchedules {
	return &fakeSchedules{scheds: make(map[string]schedule.CronSchedule)}
}

func (f *fakeSchedules) Create(sched schedule.CronSchedule) (schedule.CronSchedule, error) {
	if sched.Name == "" {
		return schedule.CronSchedule{}, errs.New("schedule/create", errs.KindValidation,
			errs.WithMessage("name required"))
	}
	sched.ID = "sched-1"
	f.scheds[sched.ID] = sched
	return sched, nil
}

func (f *fakeSchedules) Update(sched schedule.CronSchedule) (schedule.CronSchedule, error) {
	if _, ok := f.scheds[sched.ID]; !ok {
		return schedule.CronSchedule{}, errs.New("schedule/update", errs.KindNotFound,
			errs.WithMessage("unknown schedule id"))
	}
	f.scheds[sched.ID] = sched
	return sched, nil
}

func (f *fakeSchedules) Delete(id string) error {
	if _, ok := f.scheds[id]; !ok {
		return errs.New("schedule/delete", errs.KindNotFound, errs.WithMessage("unknown schedule id"))
	}
	delete(f.scheds, id)
	return nil
}

func (f *fakeSchedules) Get(id string) (schedule.CronSchedule, error) {
	sched, ok := f.scheds[id]
	if !ok {
		return schedule.CronSchedule{}, errs.New("schedule/get", errs.KindNotFound,
			errs.WithMessage("unknown schedule id"))
	}
	return sched, nil
}

func (f *fakeSchedules) List() []schedule.CronSchedule {
	out := make([]schedule.CronSchedule, 0, len(f.scheds))
	for _, sched := range f.scheds {
		out = append(out, sched)
	}
	return out
}

type fakeJobs struct {
	execs     map[string]jobs.Execution
	submitted []jobs.Request
	cancelled []string
}

func newFakeJobs() *fakeJobs { return &fakeJobs{execs: make(map[string]jobs.Execution)} }

func (f *fakeJobs) Submit(req jobs.Request) (string, error) {
	if !req.Priority.Valid() {
		return "", errs.New("jobs/submit", errs.KindValidation, errs.WithMessage("unknown priority"))
	}
	f.submitted = append(f.submitted, req)
	id := "exec-1"
	f.execs[id] = jobs.Execution{ID: id, TaskType: req.TaskType, Priority: req.Priority, Status: jobs.StatusPending}
	return id, nil
}

func (f *fakeJobs) Cancel(id string) error {
	if _, ok := f.execs[id]; !ok {
		return errs.New("jobs/cancel", errs.KindNotFound, errs.WithMessage("unknown execution id"))
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeJobs) Get(id string) (jobs.Execution, bool) {
	exec, ok := f.execs[id]
	return exec, ok
}

func (f *fakeJobs) History(limit int) []jobs.Execution {
	out := make([]jobs.Execution, 0, len(f.execs))
	for _, exec := range f.execs {
		out = append(out, exec)
	}
	return out
}

func newTestHandler() (http.Handler, *fakeSchedules, *fakeJobs) {
	scheds := newFakeSchedules()
	jobSvc := newFakeJobs()
	handler := NewHandler(fakeStatus{}, scheds, jobSvc)
	return handler, scheds, jobSvc
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReflectsReconciliation(t *testing.T) {
	healthy := NewHandler(fakeStatus{}, nil, nil)
	if rec := do(t, healthy, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthy: status = %d", rec.Code)
	}

	counters := recon.NewCounters()
	counters.Received()
	counters.Unaccounted()
	leaking := NewHandler(fakeStatus{snap: status.Snapshot{Reconciliation: counters.Snapshot()}}, nil, nil)
	if rec := do(t, leaking, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("leaking: status = %d", rec.Code)
	}
}

func TestScheduleCRUD(t *testing.T) {
	handler, _, _ := newTestHandler()

	rec := do(t, handler, http.MethodPost, "/schedules",
		`{"name":"nightly","expression":"0 3 * * *","taskType":"full-maintenance","priority":"normal"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d body = %s", rec.Code, rec.Body.String())
	}
	var created schedule.CronSchedule
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	if rec := do(t, handler, http.MethodGet, "/schedules/"+created.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodPut, "/schedules/"+created.ID,
		`{"name":"nightly","expression":"30 2 * * *","taskType":"full-maintenance","priority":"high"}`); rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d body = %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, handler, http.MethodDelete, "/schedules/"+created.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodGet, "/schedules/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: status = %d", rec.Code)
	}
}

func TestScheduleValidationMapsTo400(t *testing.T) {
	handler, _, _ := newTestHandler()
	rec := do(t, handler, http.MethodPost, "/schedules",
		`{"expression":"0 3 * * *","taskType":"cleanup","priority":"normal"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["kind"] != string(errs.KindValidation) {
		t.Fatalf("kind = %v", payload["kind"])
	}
	if code, ok := payload["code"].(float64); !ok || int(code) != http.StatusBadRequest {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestExecutionSubmitGetCancel(t *testing.T) {
	handler, _, jobSvc := newTestHandler()

	rec := do(t, handler, http.MethodPost, "/executions",
		`{"taskType":"cleanup","priority":"high","maxDuration":"5m"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(jobSvc.submitted) != 1 || jobSvc.submitted[0].MaxDuration.Minutes() != 5 {
		t.Fatalf("submitted = %+v", jobSvc.submitted)
	}

	if rec := do(t, handler, http.MethodGet, "/executions/exec-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodPost, "/executions/exec-1/cancel", ""); rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(jobSvc.cancelled) != 1 || jobSvc.cancelled[0] != "exec-1" {
		t.Fatalf("cancelled = %v", jobSvc.cancelled)
	}
	if rec := do(t, handler, http.MethodGet, "/executions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: status = %d", rec.Code)
	}
}

func TestExecutionBadPayloadRejected(t *testing.T) {
	handler, _, _ := newTestHandler()
	if rec := do(t, handler, http.MethodPost, "/executions", `{"maxDuration":"yesterday"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad duration: status = %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodPost, "/executions", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodGet, "/executions?limit=nope", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _, _ := newTestHandler()
	rec := do(t, handler, http.MethodDelete, "/status", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodGet) {
		t.Fatalf("allow header = %q", allow)
	}
}
