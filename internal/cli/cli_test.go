package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pipeline/internal/experiment"
	"github.com/mesh-intelligence/pipeline/internal/paths"
	"github.com/mesh-intelligence/pipeline/pkg/keyset"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// harness runs commands against one config and data directory.
type harness struct {
	t         *testing.T
	configDir string
	dataDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv(paths.EnvDataDir, "")
	t.Setenv(paths.EnvConfigDir, "")
	t.Setenv("PIPELINE_STORE_BACKEND", "sqlite")
	t.Setenv("PIPELINE_BLOB_DRIVER", "fs")
	return &harness{t: t, configDir: t.TempDir(), dataDir: t.TempDir()}
}

func (h *harness) run(args ...string) (stdout, stderr string, code int) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--config-dir", h.configDir, "--data-dir", h.dataDir}, args...)
	code = Execute(context.Background(), full, &out, &errOut)
	return out.String(), errOut.String(), code
}

// ok runs a command that must succeed and returns its stdout.
func (h *harness) ok(args ...string) string {
	h.t.Helper()
	out, errOut, code := h.run(args...)
	require.Equal(h.t, exitSuccess, code, "pipeline %v: %s", args, errOut)
	return out
}

func (h *harness) jsonRows(args ...string) []types.Row {
	h.t.Helper()
	out := h.ok(append([]string{"--json"}, args...)...)
	var rows []types.Row
	require.NoError(h.t, json.Unmarshal([]byte(out), &rows))
	return rows
}

func trialJSON(n int, extra string) string {
	return fmt.Sprintf(`{"subject_id":101,"session":1,"trial":%d%s}`, n, extra)
}

func (h *harness) record() {
	h.t.Helper()
	h.ok("init")
	h.ok("insert", experiment.Person, `{"username":"ds","fullname":"Dana S"}`)
	h.ok("insert", experiment.Rig, `{"rig":"RRig","room":"2w.334"}`)
	h.ok("insert", experiment.Subject, `{"subject_id":101,"username":"ds","sex":"F"}`)
	h.ok("insert", experiment.Session, `{"subject_id":101,"session":1,"session_date":"2019-03-01","username":"ds","rig":"RRig"}`)

	trials, stim, behavior := "[", "[", "["
	for i := 1; i <= 6; i++ {
		sep := ","
		if i == 6 {
			sep = "]"
		}
		trials += trialJSON(i, fmt.Sprintf(`,"start_time":%d,"end_time":%d.5`, i*10, i*10+8)) + sep
	}
	for i := 1; i <= 4; i++ {
		sep := ","
		if i == 4 {
			sep = "]"
		}
		stim += trialJSON(i, "") + sep
		behavior += trialJSON(i+2, `,"task":"s1 stim","trial_instruction":"left","early_lick":"no early","outcome":"hit"`) + sep
	}
	h.ok("insert", experiment.SessionTrial, trials)
	h.ok("insert", experiment.PhotostimTrial, stim)
	h.ok("insert", experiment.BehaviorTrial, behavior)
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	code := Execute(context.Background(), []string{"version"}, &out, &bytes.Buffer{})
	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, out.String(), "pipeline v"+Version)
	assert.Contains(t, out.String(), modulePath)
}

func TestInitIsIdempotent(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.ok("init"), "31 lookup rows added")
	assert.Contains(t, h.ok("init"), "0 lookup rows added")
	assert.FileExists(t, filepath.Join(h.configDir, paths.ConfigFile))

	rows := h.jsonRows("list", experiment.TaskProtocol, "--where", "task_protocol=2,3")
	assert.Len(t, rows, 2)
}

func TestPopulateWorkflow(t *testing.T) {
	h := newHarness(t)
	h.record()

	assert.Len(t, h.jsonRows("keys", experiment.PassivePhotostimTrial), 2)
	pending := h.jsonRows("keys", experiment.PassivePhotostimTrial, "--pending")
	require.Len(t, pending, 2)
	assert.EqualValues(t, 1, pending[0]["trial"])
	assert.EqualValues(t, 2, pending[1]["trial"])

	out := h.ok("populate", experiment.PassivePhotostimTrial, "--order", "sorted", "--workers", "2")
	assert.Contains(t, out, "populated 2")

	assert.Empty(t, h.jsonRows("keys", experiment.PassivePhotostimTrial, "--pending"))
	assert.Contains(t, h.ok("progress"), "0/2 remaining")
	h.ok("get", experiment.PassivePhotostimTrial, trialJSON(1, ""))

	out = h.ok("purge", experiment.PassivePhotostimTrial, trialJSON(2, ""))
	assert.Contains(t, out, experiment.PassivePhotostimTrial)
	assert.Len(t, h.jsonRows("keys", experiment.PassivePhotostimTrial, "--pending"), 1)

	out = h.ok("populate", experiment.PassivePhotostimTrial, "--once")
	assert.Contains(t, out, "populated 1")
	assert.Empty(t, strings.TrimSpace(h.ok("jobs")))
	assert.Contains(t, h.ok("sweep"), "removed 0")
}

func TestUserErrors(t *testing.T) {
	h := newHarness(t)
	h.record()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown table", []string{"get", "Nope", `{"a":1}`}, "table not found"},
		{"missing reference", []string{"insert", experiment.BehaviorTrial,
			trialJSON(1, `,"task":"s1 stim","trial_instruction":"up","early_lick":"early","outcome":"hit"`)}, "foreign key violation"},
		{"computed write", []string{"insert", experiment.PassivePhotostimTrial, trialJSON(3, "")}, "written by populate only"},
		{"part delete", []string{"delete", experiment.SessionTrial, trialJSON(1, "")}, "deleted through their master"},
		{"absent row", []string{"get", experiment.Session, `{"subject_id":101,"session":9}`}, "not found"},
		{"bad json", []string{"insert", experiment.Session, `{"subject_id":`}, "invalid row"},
		{"bad restriction", []string{"populate", experiment.PassivePhotostimTrial, "--where", "task=s1"}, "key headings differ"},
		{"not computed", []string{"populate", experiment.Session}, "no computation registered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errOut, code := h.run(tt.args...)
			assert.Equal(t, exitUserError, code)
			assert.Contains(t, errOut, tt.want)
		})
	}
}

func TestDeleteExportImport(t *testing.T) {
	h := newHarness(t)
	h.record()
	h.ok("populate", experiment.PassivePhotostimTrial)

	dump := filepath.Join(t.TempDir(), "dump")
	h.ok("export", dump)
	assert.FileExists(t, filepath.Join(dump, experiment.SessionTrial+".jsonl"))

	var rep struct {
		Deleted map[string]int `json:"deleted"`
	}
	out := h.ok("--json", "delete", experiment.Session, `{"subject_id":101,"session":1}`)
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, map[string]int{
		experiment.Session:               1,
		experiment.SessionTrial:          6,
		experiment.PhotostimTrial:        4,
		experiment.BehaviorTrial:         4,
		experiment.PassivePhotostimTrial: 2,
	}, rep.Deleted)
	assert.Empty(t, h.jsonRows("list", experiment.SessionTrial))

	h.ok("import", dump)
	assert.Len(t, h.jsonRows("list", experiment.SessionTrial), 6)
	assert.Len(t, h.jsonRows("list", experiment.PassivePhotostimTrial), 2)
	assert.Len(t, h.jsonRows("list", experiment.SessionTrial, "--where", "trial=1,2", "--limit", "1"), 1)
}

func TestSchemaCommand(t *testing.T) {
	h := newHarness(t)
	out := h.ok("schema")
	assert.Contains(t, out, experiment.PassivePhotostimTrial)

	out = h.ok("schema", experiment.Session, "--descendants")
	assert.Contains(t, out, "descendants:")
	assert.Contains(t, out, experiment.PhotostimTrialEvent)

	out = h.ok("schema", experiment.PhotostimProfile)
	assert.Contains(t, out, "external_blob")
	assert.Contains(t, out, "-> "+experiment.CCF)
}

func TestConfigErrorsExitOne(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.configDir, paths.ConfigFile), []byte("populate:\n  workers: 0\n"), 0o644))
	_, errOut, code := h.run("list", experiment.Session)
	assert.Equal(t, exitUserError, code)
	assert.Contains(t, errOut, "populate.workers")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitSuccess},
		{"foreign key", &types.ForeignKeyViolation{Table: "a", Referenced: "b"}, exitUserError},
		{"table not found", fmt.Errorf("x: %w", types.ErrTableNotFound), exitUserError},
		{"populate error", &types.PopulateError{Table: "t", Err: errors.New("disk")}, exitSysError},
		{"integrity error", &types.IntegrityError{Table: "t", Err: errors.New("disk")}, exitSysError},
		{"storage unavailable", fmt.Errorf("open: %w", types.ErrStorageUnavailable), exitSysError},
		{"marked system error", systemError(errors.New("stdin")), exitSysError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestParseWhere(t *testing.T) {
	pred, err := parseWhere(nil)
	require.NoError(t, err)
	assert.Nil(t, pred)

	pred, err = parseWhere([]string{"subject_id=101", "trial=1,2", "task=s1 stim"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"subject_id", "trial", "task"}, pred.Attrs())
	assert.True(t, pred.Match(types.Row{"subject_id": int64(101), "trial": int64(2), "task": "s1 stim"}))
	assert.False(t, pred.Match(types.Row{"subject_id": int64(101), "trial": int64(3), "task": "s1 stim"}))

	_, err = parseWhere([]string{"trial"})
	assert.Error(t, err)

	single, err := parseWhere([]string{"x=1.5"})
	require.NoError(t, err)
	assert.Equal(t, keyset.Eq("x", 1.5).String(), single.String())
}
