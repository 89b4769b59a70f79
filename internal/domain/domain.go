package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// StyleBible is a versioned style guide for a project. Versions are
// append-only; checks always read the highest version.
type StyleBible struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Version     int    `json:"version"`
	ContentJSON string `json:"content_json"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Scene struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ChapterNo int    `json:"chapter_no"`
	SceneNo   int    `json:"scene_no"`
	CardJSON  string `json:"card_json"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Draft is an immutable text version of a scene. Rows are append-only;
// version increases monotonically per scene.
type Draft struct {
	ID        string `json:"id"`
	SceneID   string `json:"scene_id"`
	Version   int    `json:"version"`
	Text      string `json:"text"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Fact is a structured claim extracted from one draft version. Immutable.
type Fact struct {
	ID          string  `json:"id"`
	DraftID     string  `json:"draft_id"`
	FactType    string  `json:"fact_type"`
	SubjectType string  `json:"subject_type"`
	SubjectID   *string `json:"subject_id,omitempty"`
	Predicate   string  `json:"predicate"`
	ObjectJSON  string  `json:"object_json"`
	Confidence  float64 `json:"confidence"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Constraint struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	ConstraintType string `json:"constraint_type" enum:"continuity,style"`
	RuleJSON       string `json:"rule_json"`
	Severity       string `json:"severity" enum:"error,warning,info"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// Iteration states. COMMIT and ABORTED are terminal.
const (
	StatePlanScene    = "PLAN_SCENE"
	StateDraftScene   = "DRAFT_SCENE"
	StateExtractFacts = "EXTRACT_FACTS"
	StateRunChecks    = "RUN_CHECKS"
	StateRevise       = "REVISE"
	StateCommit       = "COMMIT"
	StateAborted      = "ABORTED"
)

// Iteration outcomes, set when a terminal state is reached.
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// Iteration is one pipeline run for a scene. At most one non-terminal
// iteration may exist per scene. Mutated only by the state machine.
type Iteration struct {
	ID               string `json:"id"`
	SceneID          string `json:"scene_id"`
	IterationNo      int    `json:"iteration_no"`
	State            string `json:"state" enum:"PLAN_SCENE,DRAFT_SCENE,EXTRACT_FACTS,RUN_CHECKS,REVISE,COMMIT,ABORTED"`
	AttemptCount     int    `json:"attempt_count"`
	MaxAttempts      int    `json:"max_attempts"`
	Outcome          string `json:"outcome,omitempty" enum:"passed,failed,aborted"`
	CommittedVersion *int   `json:"committed_version,omitempty"`
	AbortRequested   bool   `json:"abort_requested,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the iteration can no longer advance.
func (it Iteration) Terminal() bool {
	return it.State == StateCommit || it.State == StateAborted
}

// CheckRun is the recorded verdict of one check against one draft version.
// Append-only; a failed run never overwrites a prior one.
type CheckRun struct {
	ID           string `json:"id"`
	IterationID  string `json:"iteration_id"`
	DraftID      string `json:"draft_id"`
	CheckType    string `json:"check_type"`
	Passed       bool   `json:"passed"`
	FindingsJSON string `json:"findings_json"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskFailed     = "failed"
)

// Task is a durable unit of work: advance one iteration from its current
// state. Consumed by exactly one worker at a time via its lease.
type Task struct {
	ID             string  `json:"id"`
	IterationID    string  `json:"iteration_id"`
	Step           string  `json:"step" enum:"PLAN_SCENE,DRAFT_SCENE,EXTRACT_FACTS,RUN_CHECKS,REVISE"`
	Status         string  `json:"status" enum:"pending,in_progress,done,failed"`
	Deliveries     int     `json:"deliveries"`
	InputJSON      string  `json:"input_json"`
	OutputJSON     string  `json:"output_json,omitempty"`
	Error          string  `json:"error,omitempty"`
	LeaseOwner     *string `json:"lease_owner,omitempty"`
	LeaseExpiresAt *string `json:"lease_expires_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
