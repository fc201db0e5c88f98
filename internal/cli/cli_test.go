package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	body   []byte
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) at(i int) recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeAPI отвечает заранее заданными ответами по "METHOD path".
func fakeAPI(t *testing.T, routes map[string]func(w http.ResponseWriter)) (*Client, *recorder) {
	t.Helper()

	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: body})
		rec.mu.Unlock()

		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"code": "NOT_FOUND", "message": "route not found"},
			})
			return
		}
		h(w)
	}))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL), rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respond(status int, v any) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { writeJSON(w, status, v) }
}

var sampleProject = map[string]any{
	"project_id":       "6f1c7c0e-8f3a-4d51-9a3b-0c3f2e1d4b5a",
	"status":           "GENERATING",
	"topic":            "go generics",
	"current_stage":    "GENERATING",
	"completed_stages": []string{"RESEARCH"},
	"progress":         0.25,
	"costs":            map[string]float64{"RESEARCH": 0.5},
	"total_cost":       0.5,
	"created_at":       "2026-03-01T12:00:00Z",
	"updated_at":       "2026-03-01T12:01:00Z",
}

// --- Client Tests ---

func TestClient_ListProjects(t *testing.T) {
	client, calls := fakeAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/projects": respond(http.StatusOK, map[string]any{
			"data":  []any{sampleProject},
			"total": 1,
		}),
	})

	projects, err := client.ListProjects(ListProjectsOpts{Status: "GENERATING", Limit: 10})
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "go generics", projects[0].Topic)
	assert.Equal(t, 0.5, projects[0].Costs["RESEARCH"])

	require.Equal(t, 1, calls.len())
	assert.Equal(t, "limit=10&status=GENERATING", calls.at(0).query)
}

func TestClient_CreateProject(t *testing.T) {
	tests := map[string]struct {
		status   int
		deferred bool
	}{
		"started":  {status: http.StatusCreated, deferred: false},
		"deferred": {status: http.StatusAccepted, deferred: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			client, calls := fakeAPI(t, map[string]func(http.ResponseWriter){
				"POST /api/v1/projects": respond(tt.status, map[string]any{"data": sampleProject}),
			})

			words := 1200
			p, deferred, err := client.CreateProject(CreateProjectRequest{Topic: "go generics", TargetWordCount: &words})
			require.NoError(t, err)
			assert.Equal(t, tt.deferred, deferred)
			assert.Equal(t, "GENERATING", p.Status)

			var sent map[string]any
			require.NoError(t, json.Unmarshal(calls.at(0).body, &sent))
			assert.Equal(t, map[string]any{"topic": "go generics", "target_word_count": float64(1200)}, sent)
		})
	}
}

func TestClient_Error(t *testing.T) {
	client, _ := fakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/projects": respond(http.StatusBadRequest, map[string]any{
			"error": map[string]string{"code": "BAD_REQUEST", "message": "topic is required"},
		}),
	})

	_, _, err := client.CreateProject(CreateProjectRequest{})
	require.Error(t, err)
	assert.Equal(t, "BAD_REQUEST: topic is required", err.Error())

	_, err = client.GetProject("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestClient_CancelProject(t *testing.T) {
	client, calls := fakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/projects/p-1/cancel": respond(http.StatusOK, map[string]any{"data": sampleProject}),
	})

	_, err := client.CancelProject("p-1", "")
	require.NoError(t, err)
	assert.Empty(t, calls.at(0).body)

	_, err = client.CancelProject("p-1", "duplicate topic")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"duplicate topic"}`, string(calls.at(1).body))
}

func TestClient_ListDeadLetters(t *testing.T) {
	client, calls := fakeAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/dead-letters": respond(http.StatusOK, map[string]any{
			"data": []any{map[string]any{
				"id":                "d-1",
				"subscription":      "research-complete-sub",
				"topic":             "research-complete",
				"error":             "boom",
				"delivery_attempts": 5,
				"failed_at":         "2026-03-01T12:00:00Z",
			}},
			"total": 1,
		}),
	})

	records, err := client.ListDeadLetters(5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 5, records[0].Attempts)
	assert.Equal(t, "boom", records[0].Reason)
	assert.Equal(t, "limit=5", calls.at(0).query)
}

// --- Output Tests ---

func TestOutput_Table(t *testing.T) {
	var out, errOut bytes.Buffer
	o := NewOutputTo(FormatTable, &out, &errOut)

	o.Print([]string{"ID", "STATUS"}, [][]string{{"p-1", "COMPLETED"}}, nil)

	assert.Contains(t, out.String(), "ID")
	assert.Contains(t, out.String(), "p-1")
	assert.Contains(t, out.String(), "COMPLETED")
	assert.Empty(t, errOut.String())
}

func TestOutput_Structured(t *testing.T) {
	data := map[string]any{"status": "FAILED"}

	var jsonOut bytes.Buffer
	NewOutputTo(FormatJSON, &jsonOut, io.Discard).Print(nil, nil, data)
	assert.JSONEq(t, `{"status":"FAILED"}`, jsonOut.String())

	var yamlOut bytes.Buffer
	NewOutputTo(FormatYAML, &yamlOut, io.Discard).Print(nil, nil, data)
	assert.Equal(t, "status: FAILED\n", yamlOut.String())
}

func TestOutput_Messages(t *testing.T) {
	var errOut bytes.Buffer
	o := NewOutputTo(FormatTable, io.Discard, &errOut)

	o.Success("done")
	o.Error("broken")
	assert.Equal(t, "done\nError: broken\n", errOut.String())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("YAML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = ParseFormat("xml")
	require.Error(t, err)
}

// --- Command Tests ---

func execute(t *testing.T, cmd *cobra.Command, args ...string) {
	t.Helper()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	require.NoError(t, cmd.Execute())
}

func TestProjectCmd_CreateAndShow(t *testing.T) {
	client, calls := fakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/projects":   respond(http.StatusCreated, map[string]any{"data": sampleProject}),
		"GET /api/v1/projects/p-1": respond(http.StatusOK, map[string]any{"data": sampleProject}),
	})

	var out, errOut bytes.Buffer
	clientFn := func() *Client { return client }
	outputFn := func() *Output { return NewOutputTo(FormatJSON, &out, &errOut) }

	execute(t, NewProjectCmd(clientFn, outputFn), "create", "go", "generics", "--tone", "casual", "--words", "800")

	var sent map[string]any
	require.NoError(t, json.Unmarshal(calls.at(0).body, &sent))
	assert.Equal(t, "go generics", sent["topic"])
	assert.Equal(t, "casual", sent["tone"])
	assert.Equal(t, float64(800), sent["target_word_count"])
	assert.Contains(t, errOut.String(), "Project started")

	out.Reset()
	execute(t, NewProjectCmd(clientFn, outputFn), "show", "p-1")

	var shown ProjectResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &shown))
	assert.Equal(t, []string{"RESEARCH"}, shown.CompletedStages)
}

func TestDeadLetterCmd_List(t *testing.T) {
	client, _ := fakeAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/dead-letters": respond(http.StatusOK, map[string]any{
			"data":  []any{map[string]any{"id": "d-1", "subscription": "dlq-source-sub", "delivery_attempts": 3}},
			"total": 1,
		}),
	})

	var out bytes.Buffer
	cmd := NewDeadLetterCmd(
		func() *Client { return client },
		func() *Output { return NewOutputTo(FormatTable, &out, io.Discard) },
	)
	execute(t, cmd, "list")

	assert.Contains(t, out.String(), "dlq-source-sub")
	assert.Contains(t, out.String(), "SUBSCRIPTION")
}
