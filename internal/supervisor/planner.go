package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/overseer/internal/model"
	"github.com/basket/overseer/internal/structured"
)

// Planner actions.
const (
	ActionAnswer = "answer"
	ActionSpawn  = "spawn"
	ActionList   = "list"
	ActionSearch = "search"
	ActionRead   = "read"
)

// WorkerSpec asks for one worker.
type WorkerSpec struct {
	Task    string `json:"task"`
	Context string `json:"context,omitempty"`
	Model   string `json:"model,omitempty"`
	// Observe routes the worker through the decision loop. Omitted means
	// observed.
	Observe *bool `json:"observe,omitempty"`
}

func (w WorkerSpec) observed() bool { return w.Observe == nil || *w.Observe }

// Plan is one planner turn.
type Plan struct {
	Action   string       `json:"action"`
	Thought  string       `json:"thought,omitempty"`
	Answer   string       `json:"answer,omitempty"`
	Workers  []WorkerSpec `json:"workers,omitempty"`
	Query    string       `json:"query,omitempty"`
	Status   string       `json:"status,omitempty"`
	Limit    int          `json:"limit,omitempty"`
	WorkerID string       `json:"worker_id,omitempty"`
}

// WorkerReport is what the planner learns about one spawned worker.
type WorkerReport struct {
	WorkerID string
	Task     string
	Status   string
	Result   string
	Error    string
	// Detached is set when the supervisor stopped waiting while the
	// worker kept running.
	Detached bool
	Decision string
	Notes    []string
}

// Observation is the outcome of one executed plan.
type Observation struct {
	Action  string
	Content string
	Workers []WorkerReport
	Refused []string
}

// Message is one prior turn of the thread.
type Message struct {
	Role    string
	Content string
}

// PlanState is everything the planner sees.
type PlanState struct {
	RunID        string
	Task         string
	History      []Message
	Observations []Observation
	TurnsLeft    int
	MaxWorkers   int
}

// Planner chooses the supervisor's next action.
type Planner interface {
	Plan(ctx context.Context, st PlanState) (Plan, error)
}

var planSchema = structured.MustCompile(`{
	"type": "object",
	"properties": {
		"action": {"enum": ["answer", "spawn", "list", "search", "read"]},
		"thought": {"type": "string"},
		"answer": {"type": "string"},
		"workers": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"task": {"type": "string", "minLength": 1},
					"context": {"type": "string"},
					"model": {"type": "string"},
					"observe": {"type": "boolean"}
				},
				"required": ["task"]
			}
		},
		"query": {"type": "string"},
		"status": {"enum": ["", "queued", "running", "success", "failed", "cancelled"]},
		"limit": {"type": "integer", "minimum": 0},
		"worker_id": {"type": "string"}
	},
	"required": ["action"],
	"allOf": [
		{"if": {"properties": {"action": {"const": "answer"}}}, "then": {"required": ["answer"]}},
		{"if": {"properties": {"action": {"const": "spawn"}}}, "then": {"required": ["workers"]}},
		{"if": {"properties": {"action": {"const": "search"}}}, "then": {"required": ["query"]}},
		{"if": {"properties": {"action": {"const": "read"}}}, "then": {"required": ["worker_id"]}}
	]
}`)

const plannerSystemPrompt = `You are an infrastructure supervisor. You answer the user by delegating work to workers and reading what they produce.
Reply with exactly one JSON object and nothing else:
  {"action":"spawn","workers":[{"task":"...","context":"...","observe":true}]}
  {"action":"list","status":"failed","limit":10}
  {"action":"search","query":"..."}
  {"action":"read","worker_id":"..."}
  {"action":"answer","answer":"<final reply to the user>"}
Workers run tools on real hosts. Spawn independent tasks together; the number of concurrent workers is limited.
Set observe=false only for long jobs whose intermediate progress does not matter.
A failed or cancelled worker is information: retry differently, or explain the failure in your answer.`

// ModelPlanner plans with an LLM over the JSON action protocol.
type ModelPlanner struct {
	Gen   model.Generator
	Model string
	// Repairs is how often an invalid reply is returned for correction.
	Repairs int
}

func (m *ModelPlanner) Plan(ctx context.Context, st PlanState) (Plan, error) {
	prompt := renderPlanState(st)
	repairs := m.Repairs
	if repairs <= 0 {
		repairs = 1
	}
	var msgs []model.Message
	for _, h := range st.History {
		role := model.RoleUser
		if h.Role != "user" {
			role = model.RoleModel
		}
		msgs = append(msgs, model.Message{Role: role, Content: h.Content})
	}
	for attempt := 0; ; attempt++ {
		reply, err := m.Gen.Generate(ctx, model.Request{
			Model:    m.Model,
			System:   plannerSystemPrompt,
			Prompt:   prompt,
			Messages: msgs,
		})
		if err != nil {
			return Plan{}, fmt.Errorf("planner: %w", err)
		}
		var p Plan
		decodeErr := planSchema.Decode(reply, &p)
		if decodeErr == nil {
			return p, nil
		}
		if attempt >= repairs {
			return Plan{}, fmt.Errorf("planner: invalid plan: %w", decodeErr)
		}
		msgs = append(msgs,
			model.Message{Role: model.RoleUser, Content: prompt},
			model.Message{Role: model.RoleModel, Content: reply},
		)
		prompt = "Your reply was not a valid action (" + decodeErr.Error() + "). Reply with one JSON object only."
	}
}

func renderPlanState(st PlanState) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(st.Task)
	b.WriteString("\n")
	for i, o := range st.Observations {
		fmt.Fprintf(&b, "\nTurn %d (%s):\n", i+1, o.Action)
		if o.Content != "" {
			b.WriteString(indentText(o.Content, "  "))
			b.WriteString("\n")
		}
		for _, w := range o.Workers {
			fmt.Fprintf(&b, "  worker %s [%s] %s\n", w.WorkerID, w.Status, w.Task)
			if w.Detached {
				fmt.Fprintf(&b, "    stopped waiting (%s); the worker is still running\n", w.Decision)
			}
			if w.Error != "" {
				fmt.Fprintf(&b, "    error: %s\n", w.Error)
			}
			if w.Result != "" {
				fmt.Fprintf(&b, "    result:\n%s\n", indentText(w.Result, "      "))
			}
			for _, n := range w.Notes {
				fmt.Fprintf(&b, "    observed output:\n%s\n", indentText(n, "      "))
			}
		}
		for _, r := range o.Refused {
			fmt.Fprintf(&b, "  refused: %s\n", r)
		}
	}
	fmt.Fprintf(&b, "\nMax concurrent workers: %d\nTurns remaining: %d\n", st.MaxWorkers, st.TurnsLeft)
	return b.String()
}

func indentText(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}

// DirectPlanner is used when no model is configured: it hands the whole
// request to one observed worker and answers with what came back.
type DirectPlanner struct{}

func (DirectPlanner) Plan(_ context.Context, st PlanState) (Plan, error) {
	for i := len(st.Observations) - 1; i >= 0; i-- {
		o := st.Observations[i]
		if o.Action != ActionSpawn {
			continue
		}
		if len(o.Workers) == 0 {
			return Plan{Action: ActionAnswer, Answer: "No worker could be started: " + strings.Join(o.Refused, "; ")}, nil
		}
		return Plan{Action: ActionAnswer, Answer: directAnswer(o.Workers[0])}, nil
	}
	return Plan{Action: ActionSpawn, Workers: []WorkerSpec{{Task: st.Task}}}, nil
}

func directAnswer(w WorkerReport) string {
	switch {
	case w.Status == "success":
		return w.Result
	case w.Detached:
		out := "The worker is still running (" + w.Decision + ")."
		if len(w.Notes) > 0 {
			out += "\n\nLatest output:\n" + w.Notes[len(w.Notes)-1]
		}
		return out
	case w.Error != "":
		return fmt.Sprintf("The worker %s: %s", w.Status, w.Error)
	default:
		return "The worker finished with status " + w.Status + "."
	}
}
