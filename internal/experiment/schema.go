// Package experiment declares the behavioral-experiment schema: subjects,
// sessions and trials, trial events, tracking and photostimulation records,
// and the computed table of passive photostimulation trials.
package experiment

import (
	"github.com/mesh-intelligence/pipeline/pkg/schema"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Table names.
const (
	Subject               = "lab.Subject"
	Person                = "lab.Person"
	Rig                   = "lab.Rig"
	CCF                   = "ccf.CCF"
	Task                  = "Task"
	Session               = "Session"
	SessionTrial          = "Session.Trial"
	TrialNoteType         = "TrialNoteType"
	TrialNote             = "TrialNote"
	TrainingType          = "TrainingType"
	SessionTraining       = "SessionTraining"
	TrialEventType        = "TrialEventType"
	Outcome               = "Outcome"
	EarlyLick             = "EarlyLick"
	TrialInstruction      = "TrialInstruction"
	BehaviorTrial         = "BehaviorTrial"
	TrialEvent            = "TrialEvent"
	ActionEventType       = "ActionEventType"
	ActionEvent           = "ActionEvent"
	TrackingDevice        = "TrackingDevice"
	Tracking              = "Tracking"
	PhotostimDevice       = "PhotostimDevice"
	Photostim             = "Photostim"
	PhotostimProfile      = "Photostim.Profile"
	PhotostimTrial        = "PhotostimTrial"
	PhotostimTrialEvent   = "PhotostimTrial.Event"
	PassivePhotostimTrial = "PassivePhotostimTrial"
	TaskProtocol          = "TaskProtocol"
	SessionTask           = "SessionTask"
)

func attr(name string, t types.AttrType, comment string) types.Attribute {
	return types.Attribute{Name: name, Type: t, Comment: comment}
}

func str(name string) types.Attribute { return attr(name, types.TypeString, "") }
func num(name string) types.Attribute { return attr(name, types.TypeInt, "") }
func dec(name, comment string) types.Attribute {
	return attr(name, types.TypeDecimal, comment)
}

func keys(groups ...[]types.Attribute) []types.Attribute {
	var out []types.Attribute
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func refs(tables ...string) []types.ForeignKey {
	out := make([]types.ForeignKey, len(tables))
	for i, t := range tables {
		out[i] = types.ForeignKey{Table: t}
	}
	return out
}

// contents builds lookup rows from attribute names and value tuples.
func contents(attrs []string, tuples ...[]any) []types.Row {
	out := make([]types.Row, len(tuples))
	for i, tup := range tuples {
		row := make(types.Row, len(attrs))
		for j, a := range attrs {
			row[a] = tup[j]
		}
		out[i] = row
	}
	return out
}

func single(attr string, values ...string) []types.Row {
	out := make([]types.Row, len(values))
	for i, v := range values {
		out[i] = types.Row{attr: v}
	}
	return out
}

var (
	subjectKey   = []types.Attribute{num("subject_id")}
	sessionKey   = keys(subjectKey, []types.Attribute{attr("session", types.TypeInt, "session number")})
	trialKey     = keys(sessionKey, []types.Attribute{num("trial")})
	photostimKey = []types.Attribute{str("photostim_device"), num("photo_stim")}
)

// Tables returns the descriptors of every table, in no particular order.
func Tables() []types.TableDef {
	return []types.TableDef{
		{
			Name: Person, Kind: types.KindManual,
			Key:       []types.Attribute{str("username")},
			Secondary: []types.Attribute{str("fullname")},
		},
		{
			Name: Rig, Kind: types.KindManual,
			Key:       []types.Attribute{str("rig")},
			Secondary: []types.Attribute{str("room"), {Name: "rig_description", Type: types.TypeString, Nullable: true}},
		},
		{
			Name: Subject, Kind: types.KindManual,
			Key: subjectKey,
			Secondary: []types.Attribute{
				str("username"),
				{Name: "cage_number", Type: types.TypeInt, Nullable: true},
				{Name: "date_of_birth", Type: types.TypeDate, Nullable: true},
				{Name: "sex", Type: types.TypeString, Comment: "M, F or U"},
				{Name: "animal_source", Type: types.TypeString, Nullable: true},
			},
			ForeignKeys: refs(Person),
		},
		{
			Name: CCF, Kind: types.KindLookup, Comment: "common coordinate framework voxel",
			Key: []types.Attribute{num("x"), num("y"), num("z")},
		},
		{
			Name: Task, Kind: types.KindLookup, Comment: "type of tasks",
			Key:       []types.Attribute{attr("task", types.TypeString, "task type")},
			Secondary: []types.Attribute{str("task_description")},
			Contents: contents([]string{"task", "task_description"},
				[]any{"audio delay", "auditory delayed response task (2AFC)"},
				[]any{"audio mem", "auditory working memory task"},
				[]any{"s1 stim", "S1 photostimulation task (2AFC)"},
			),
		},
		{
			Name: Session, Kind: types.KindManual,
			Key:         sessionKey,
			Secondary:   []types.Attribute{attr("session_date", types.TypeDate, ""), str("username"), str("rig")},
			ForeignKeys: refs(Subject, Person, Rig),
		},
		{
			Name: SessionTrial, Kind: types.KindPart, Master: Session,
			Key:       trialKey,
			Secondary: []types.Attribute{dec("start_time", "(s)"), dec("end_time", "(s)")},
		},
		{
			Name: TrialNoteType, Kind: types.KindLookup,
			Key:      []types.Attribute{str("trial_note_type")},
			Contents: single("trial_note_type", "autolearn", "protocol #", "bad", "bitcode"),
		},
		{
			Name: TrialNote, Kind: types.KindManual,
			Key:         keys(trialKey, []types.Attribute{str("trial_note_type")}),
			Secondary:   []types.Attribute{str("trial_note")},
			ForeignKeys: refs(SessionTrial, TrialNoteType),
		},
		{
			Name: TrainingType, Kind: types.KindLookup, Comment: "mouse training",
			Key:       []types.Attribute{str("training_type")},
			Secondary: []types.Attribute{str("training_type_description")},
			Contents: contents([]string{"training_type", "training_type_description"},
				[]any{"regular", ""},
				[]any{"regular + distractor", "mice were first trained on the regular S1 photostimulation task without distractors, then the training continued in the presence of distractors"},
				[]any{"regular or regular + distractor", "includes both training options"},
			),
		},
		{
			Name: SessionTraining, Kind: types.KindManual,
			Key:         keys(sessionKey, []types.Attribute{str("training_type")}),
			ForeignKeys: refs(Session, TrainingType),
		},
		{
			Name: TrialEventType, Kind: types.KindLookup,
			Key:      []types.Attribute{str("trial_event_type")},
			Contents: single("trial_event_type", "delay", "go", "sample", "presample"),
		},
		{
			Name: Outcome, Kind: types.KindLookup,
			Key:      []types.Attribute{str("outcome")},
			Contents: single("outcome", "hit", "miss", "ignore"),
		},
		{
			Name: EarlyLick, Kind: types.KindLookup,
			Key:      []types.Attribute{str("early_lick")},
			Contents: single("early_lick", "early", "no early"),
		},
		{
			Name: TrialInstruction, Kind: types.KindLookup, Comment: "instruction to mouse",
			Key:      []types.Attribute{str("trial_instruction")},
			Contents: single("trial_instruction", "left", "right"),
		},
		{
			Name: BehaviorTrial, Kind: types.KindManual,
			Key:         trialKey,
			Secondary:   []types.Attribute{str("task"), str("trial_instruction"), str("early_lick"), str("outcome")},
			ForeignKeys: refs(SessionTrial, Task, TrialInstruction, EarlyLick, Outcome),
		},
		{
			Name: TrialEvent, Kind: types.KindManual,
			Key: keys(trialKey, []types.Attribute{
				str("trial_event_type"),
				dec("trial_event_time", "(s) from trial start, not session start"),
			}),
			Secondary:   []types.Attribute{dec("duration", "(s)")},
			ForeignKeys: refs(BehaviorTrial, TrialEventType),
		},
		{
			Name: ActionEventType, Kind: types.KindLookup,
			Key:       []types.Attribute{str("action_event_type")},
			Secondary: []types.Attribute{str("action_event_description")},
			Contents: contents([]string{"action_event_type", "action_event_description"},
				[]any{"left lick", ""},
				[]any{"right lick", ""},
			),
		},
		{
			Name: ActionEvent, Kind: types.KindManual,
			Key: keys(trialKey, []types.Attribute{
				str("action_event_type"),
				dec("action_event_time", "(s) from trial start"),
			}),
			ForeignKeys: refs(BehaviorTrial, ActionEventType),
		},
		{
			Name: TrackingDevice, Kind: types.KindLookup,
			Key:       []types.Attribute{attr("tracking_device", types.TypeString, "e.g. camera, microphone")},
			Secondary: []types.Attribute{dec("sampling_rate", "Hz"), str("tracking_device_description")},
		},
		{
			Name: Tracking, Kind: types.KindImported,
			Key:         keys(trialKey, []types.Attribute{str("tracking_device")}),
			Secondary:   []types.Attribute{str("tracking_data_path"), dec("start_time", "(s) from trial start")},
			ForeignKeys: refs(SessionTrial, TrackingDevice),
		},
		{
			Name: PhotostimDevice, Kind: types.KindLookup,
			Key:       []types.Attribute{str("photostim_device")},
			Secondary: []types.Attribute{dec("excitation_wavelength", "(nm)"), str("photostim_device_description")},
		},
		{
			Name: Photostim, Kind: types.KindManual,
			Key: photostimKey,
			Secondary: []types.Attribute{
				num("x"), num("y"), num("z"),
				dec("duration", "(s)"),
				attr("waveform", types.TypeBlob, "(mW)"),
			},
			ForeignKeys: refs(PhotostimDevice, CCF),
		},
		{
			Name: PhotostimProfile, Kind: types.KindPart, Master: Photostim,
			Key:       keys(photostimKey, []types.Attribute{num("profile_x"), num("profile_y"), num("profile_z")}),
			Secondary: []types.Attribute{attr("intensity_timecourse", types.TypeExternalBlob, "(mW/mm^2)")},
			ForeignKeys: []types.ForeignKey{{
				Table:   CCF,
				Mapping: map[string]string{"profile_x": "x", "profile_y": "y", "profile_z": "z"},
			}},
		},
		{
			Name: PhotostimTrial, Kind: types.KindImported,
			Key:         trialKey,
			ForeignKeys: refs(SessionTrial),
		},
		{
			Name: PhotostimTrialEvent, Kind: types.KindPart, Master: PhotostimTrial,
			Key: keys(trialKey, photostimKey, []types.Attribute{
				dec("photostim_event_time", "(s) from trial or session start"),
			}),
			ForeignKeys: refs(Photostim),
		},
		{
			Name: PassivePhotostimTrial, Kind: types.KindComputed,
			Key:         trialKey,
			ForeignKeys: refs(PhotostimTrial),
		},
		{
			Name: TaskProtocol, Kind: types.KindLookup, Comment: "session type",
			Key:       []types.Attribute{str("task"), attr("task_protocol", types.TypeInt, "task protocol")},
			Secondary: []types.Attribute{str("task_protocol_description")},
			ForeignKeys: refs(Task),
			Contents: contents([]string{"task", "task_protocol", "task_protocol_description"},
				[]any{"s1 stim", 2, "mini-distractors"},
				[]any{"s1 stim", 3, "full distractors, with 2 distractors (at different times) on some of the left trials"},
				[]any{"s1 stim", 4, "full distractors"},
				[]any{"s1 stim", 5, "mini-distractors, with different levels of the mini-stim during sample period"},
				[]any{"s1 stim", 6, "full distractors; same as protocol 4 but with a no-chirp trial-type"},
				[]any{"s1 stim", 7, "mini-distractors and full distractors (only at late delay)"},
				[]any{"s1 stim", 8, "mini-distractors and full distractors (only at late delay), with different levels of the mini-stim and the full-stim during sample period"},
				[]any{"s1 stim", 9, "mini-distractors and full distractors (only at late delay), with different levels of the mini-stim and the full-stim during sample period"},
			),
		},
		{
			Name: SessionTask, Kind: types.KindManual,
			Key:         keys(sessionKey, []types.Attribute{str("task"), num("task_protocol")}),
			ForeignKeys: refs(Session, TaskProtocol),
		},
	}
}

// NewGraph registers every table in a fresh graph.
func NewGraph() (*schema.Graph, error) {
	g := schema.New()
	if err := g.RegisterAll(Tables()...); err != nil {
		return nil, err
	}
	return g, nil
}
