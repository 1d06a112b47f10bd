package bus

// Loop event topics.
const (
	TopicLoopStarted   = "loop.started"
	TopicLoopStep      = "loop.step"
	TopicLoopToolCall  = "loop.tool_call"
	TopicLoopCompleted = "loop.completed"
	TopicLoopFailed    = "loop.failed"
)

// Skill event topics.
const (
	TopicSkillRegistered  = "skill.registered"
	TopicSkillQuarantined = "skill.quarantined"
	TopicSkillSynthesized = "skill.synthesized"
)

// Guard event topics.
const (
	TopicGuardAdmitted   = "guard.admitted"
	TopicGuardRejected   = "guard.rejected"
	TopicGuardRolledBack = "guard.rolled_back"
	TopicGuardLevel      = "guard.level_changed"
)

// LoopStepEvent is published once per loop iteration.
type LoopStepEvent struct {
	SessionID string
	Iteration int
	State     string
	Tool      string // set when the step acted on a tool
}

// LoopTerminalEvent is published when a session reaches a terminal status.
type LoopTerminalEvent struct {
	SessionID  string
	Status     string
	Iterations int
	Message    string
}

// SkillEvent is published on catalog mutations.
type SkillEvent struct {
	Name    string
	Version string
	Source  string
}

// GuardEvent is published on admission decisions and rollbacks.
type GuardEvent struct {
	Skill      string
	ChangeID   string
	Level      string
	Violations []string
}
