package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskyard/comms"
	"github.com/GoCodeAlone/taskyard/engine"
	"github.com/GoCodeAlone/taskyard/server/api"
	"github.com/GoCodeAlone/taskyard/task"
)

// agentHeader carries the caller identity in these tests; the real server
// resolves it from a bearer credential.
const agentHeader = "X-Test-Agent"

type testAPI struct {
	mux *http.ServeMux
	svc *engine.Service
	bus *comms.InMemoryBus
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := comms.NewInMemoryBus(0)
	svc := engine.New(store, engine.WithBus(bus), engine.WithLogger(logger))
	t.Cleanup(svc.Close)

	h := &api.Handlers{
		Engine:  svc,
		Bus:     bus,
		Logger:  logger,
		Version: "test",
		StartAt: time.Now(),
		Caller: func(r *http.Request) engine.Caller {
			return engine.Caller{AgentID: r.Header.Get(agentHeader), Admin: r.Header.Get(agentHeader) == "root"}
		},
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testAPI{mux: mux, svc: svc, bus: bus}
}

func (a *testAPI) do(t *testing.T, agent, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(agentHeader, agent)
	rr := httptest.NewRecorder()
	a.mux.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func (a *testAPI) createTask(t *testing.T, agent, title, priority string) *task.Task {
	t.Helper()
	rr := a.do(t, agent, http.MethodPost, "/api/tasks", engine.CreateRequest{
		Title: title, TaskType: "concrete", TaskInstruction: "do " + title, Priority: priority,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create %s: %d %s", title, rr.Code, rr.Body.String())
	}
	return decodeBody[*task.Task](t, rr)
}

func TestCreateAndGetTask(t *testing.T) {
	a := newTestAPI(t)
	created := a.createTask(t, "alice", "write docs", "high")
	if created.ID == "" || created.Status != task.StatusAvailable {
		t.Fatalf("created = %+v", created)
	}

	rr := a.do(t, "alice", http.MethodGet, "/api/tasks/"+created.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rr.Code, rr.Body.String())
	}
	got := decodeBody[*task.Task](t, rr)
	if got.Title != "write docs" || got.Priority != task.PriorityHigh {
		t.Errorf("got %+v", got)
	}
}

func TestErrorResponses(t *testing.T) {
	a := newTestAPI(t)
	tk := a.createTask(t, "alice", "held", "")
	if rr := a.do(t, "alice", http.MethodPost, "/api/tasks/"+tk.ID+"/reserve", nil); rr.Code != http.StatusOK {
		t.Fatalf("reserve: %d", rr.Code)
	}

	tests := []struct {
		name      string
		method    string
		path      string
		body      any
		wantCode  int
		wantKind  task.Kind
		wantField string
	}{
		{"missing title", http.MethodPost, "/api/tasks", engine.CreateRequest{TaskType: "concrete", TaskInstruction: "x"}, http.StatusBadRequest, task.KindValidation, "title"},
		{"bad type", http.MethodPost, "/api/tasks", engine.CreateRequest{Title: "x", TaskType: "vague", TaskInstruction: "x"}, http.StatusBadRequest, task.KindValidation, "task_type"},
		{"unknown task", http.MethodGet, "/api/tasks/nope", nil, http.StatusNotFound, task.KindNotFound, ""},
		{"bad limit", http.MethodGet, "/api/tasks?limit=0", nil, http.StatusBadRequest, task.KindValidation, "limit"},
		{"bad order", http.MethodGet, "/api/tasks?order_by=title", nil, http.StatusBadRequest, task.KindValidation, "order_by"},
		{"bad date", http.MethodGet, "/api/tasks?created_after=yesterday", nil, http.StatusBadRequest, task.KindValidation, "created_after"},
		{"complete by non-owner", http.MethodPost, "/api/tasks/" + tk.ID + "/complete", nil, http.StatusForbidden, task.KindAuthorization, ""},
		{"bad version number", http.MethodGet, "/api/tasks/" + tk.ID + "/versions/first", nil, http.StatusBadRequest, task.KindValidation, "version_number"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := a.do(t, "bob", tc.method, tc.path, tc.body)
			if rr.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tc.wantCode, rr.Body.String())
			}
			body := decodeBody[api.ErrorBody](t, rr)
			if body.Kind != tc.wantKind || body.Field != tc.wantField {
				t.Errorf("body = %+v, want kind %s field %q", body, tc.wantKind, tc.wantField)
			}
			if body.Error == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestInvalidBody(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	a.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	tk := a.createTask(t, "alice", "ship it", "")
	base := "/api/tasks/" + tk.ID

	res := decodeBody[engine.Result](t, a.do(t, "alice", http.MethodPost, base+"/reserve", nil))
	if !res.Success || res.Task.Agent() != "alice" {
		t.Fatalf("reserve = %+v", res)
	}

	// A lost race is a 200 with success=false.
	rr := a.do(t, "bob", http.MethodPost, base+"/reserve", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("second reserve status = %d", rr.Code)
	}
	if res := decodeBody[engine.Result](t, rr); res.Success || res.Reason == "" {
		t.Errorf("second reserve = %+v, want failure with reason", res)
	}

	rr = a.do(t, "alice", http.MethodPost, base+"/complete", engine.CompleteRequest{
		Notes: "done",
		Followup: &engine.FollowupSpec{
			Title: "verify", TaskInstruction: "check it",
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}
	res = decodeBody[engine.Result](t, rr)
	if !res.Success || res.FollowupTaskID == "" || res.Task.Status != task.StatusComplete {
		t.Fatalf("complete = %+v", res)
	}

	followup := decodeBody[*task.Task](t, a.do(t, "alice", http.MethodGet, "/api/tasks/"+res.FollowupTaskID, nil))
	if followup.Metadata[task.MetaPreviousTaskID] != tk.ID {
		t.Errorf("followup metadata = %v", followup.Metadata)
	}

	versions := decodeBody[[]task.Version](t, a.do(t, "alice", http.MethodGet, base+"/versions", nil))
	if len(versions) != 3 {
		t.Fatalf("versions = %d, want 3 (create, reserve, complete)", len(versions))
	}
	diff := decodeBody[map[string]task.FieldChange](t, a.do(t, "alice", http.MethodGet, base+"/diff?v1=1&v2=3", nil))
	if _, ok := diff["task_status"]; !ok {
		t.Errorf("diff missing task_status: %v", diff)
	}
}

func TestUnlockBatchOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	mine := a.createTask(t, "alice", "mine", "")
	a.do(t, "alice", http.MethodPost, "/api/tasks/"+mine.ID+"/reserve", nil)

	rr := a.do(t, "alice", http.MethodPost, "/api/tasks/unlock", map[string][]string{
		"task_ids": {mine.ID, "missing"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("unlock batch: %d %s", rr.Code, rr.Body.String())
	}
	out := decodeBody[struct {
		Results []engine.UnlockOutcome `json:"results"`
	}](t, rr)
	if len(out.Results) != 2 || !out.Results[0].Success || out.Results[1].Success {
		t.Errorf("results = %+v", out.Results)
	}
}

func TestQueryPagingOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	for _, p := range []string{"low", "critical", "medium"} {
		a.createTask(t, "alice", p, p)
	}

	rr := a.do(t, "alice", http.MethodGet, "/api/tasks?order_by=priority&limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
	}
	page := decodeBody[engine.Page](t, rr)
	if !page.HasMore || len(page.Tasks) != 2 || page.Tasks[0].Priority != task.PriorityCritical {
		t.Fatalf("page 1 = %+v", page)
	}

	page = decodeBody[engine.Page](t, a.do(t, "alice", http.MethodGet, "/api/tasks?order_by=priority&limit=2&offset=2", nil))
	if page.HasMore || len(page.Tasks) != 1 || page.Tasks[0].Priority != task.PriorityLow {
		t.Fatalf("page 2 = %+v", page)
	}
}

func TestRelationshipsOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	parent := a.createTask(t, "alice", "parent", "")
	child := a.createTask(t, "alice", "child", "")

	rr := a.do(t, "alice", http.MethodPost, "/api/tasks/"+parent.ID+"/relationships", map[string]string{"child_task_id": child.ID})
	if rr.Code != http.StatusCreated {
		t.Fatalf("link: %d %s", rr.Code, rr.Body.String())
	}
	rr = a.do(t, "alice", http.MethodPost, "/api/tasks/"+child.ID+"/relationships", map[string]string{"child_task_id": parent.ID})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("cycle link status = %d, want 400", rr.Code)
	}

	if rr := a.do(t, "alice", http.MethodPost, "/api/tasks/"+child.ID+"/block", nil); rr.Code != http.StatusOK {
		t.Fatalf("block: %d", rr.Code)
	}
	got := decodeBody[*task.Task](t, a.do(t, "alice", http.MethodGet, "/api/tasks/"+parent.ID, nil))
	if got.Status != task.StatusBlocked {
		t.Errorf("parent status = %s, want blocked overlay", got.Status)
	}

	rr = a.do(t, "alice", http.MethodDelete, "/api/relationships?parent_task_id="+parent.ID+"&child_task_id="+child.ID, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("unlink: %d %s", rr.Code, rr.Body.String())
	}
	got = decodeBody[*task.Task](t, a.do(t, "alice", http.MethodGet, "/api/tasks/"+parent.ID, nil))
	if got.Status != task.StatusAvailable {
		t.Errorf("parent status after unlink = %s", got.Status)
	}
}

func TestTemplatesAndRecurringOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(t, "root", http.MethodPost, "/api/templates", task.Template{
		Name: "weekly report", Type: task.TypeConcrete, Instruction: "write the report", Notes: "use the usual format",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create template: %d %s", rr.Code, rr.Body.String())
	}
	tpl := decodeBody[task.Template](t, rr)

	rr = a.do(t, "alice", http.MethodPost, "/api/templates/"+tpl.ID+"/tasks", engine.TemplateOverrides{Notes: "for March"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("task from template: %d %s", rr.Code, rr.Body.String())
	}
	tk := decodeBody[*task.Task](t, rr)
	if tk.Title != "weekly report" || tk.Notes != "use the usual format\n\nfor March" {
		t.Errorf("task from template = %+v", tk)
	}

	dow := 0
	rr = a.do(t, "alice", http.MethodPost, "/api/recurring", engine.RuleRequest{
		TaskID: tk.ID, RecurrenceType: "weekly", DayOfWeek: &dow, NextOccurrence: "2026-03-02",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create rule: %d %s", rr.Code, rr.Body.String())
	}
	rule := decodeBody[task.RecurringRule](t, rr)

	res := decodeBody[engine.Result](t, a.do(t, "alice", http.MethodPost, "/api/recurring/"+rule.ID+"/trigger", nil))
	if !res.Success || res.Task == nil || res.Task.DueDate == nil {
		t.Fatalf("trigger = %+v", res)
	}
	if want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC); !res.Task.DueDate.Equal(want) {
		t.Errorf("instance due = %s, want %s", res.Task.DueDate, want)
	}

	res = decodeBody[engine.Result](t, a.do(t, "alice", http.MethodPost, "/api/recurring/"+rule.ID+"/deactivate", nil))
	if !res.Success {
		t.Fatalf("deactivate = %+v", res)
	}
	res = decodeBody[engine.Result](t, a.do(t, "alice", http.MethodPost, "/api/recurring/"+rule.ID+"/trigger", nil))
	if res.Success {
		t.Error("trigger after deactivate succeeded")
	}
}

func TestEventHistory(t *testing.T) {
	a := newTestAPI(t)
	tk := a.createTask(t, "alice", "observed", "")
	a.do(t, "alice", http.MethodPost, "/api/tasks/"+tk.ID+"/reserve", nil)

	deadline := time.Now().Add(2 * time.Second)
	var events []*comms.Event
	for time.Now().Before(deadline) {
		events = decodeBody[[]*comms.Event](t, a.do(t, "alice", http.MethodGet, "/api/events?limit=10", nil))
		if len(events) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) != 2 || events[0].Type != comms.EventCreated || events[1].Type != comms.EventReserved {
		t.Fatalf("events = %+v", events)
	}
}

func TestStatusAndVersion(t *testing.T) {
	a := newTestAPI(t)
	status := decodeBody[map[string]any](t, a.do(t, "", http.MethodGet, "/api/status", nil))
	if status["status"] != "ok" || status["version"] != "test" {
		t.Errorf("status = %v", status)
	}
	version := decodeBody[map[string]string](t, a.do(t, "", http.MethodGet, "/api/version", nil))
	if version["version"] != "test" {
		t.Errorf("version = %v", version)
	}
}
