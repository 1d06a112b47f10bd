package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/catalog"
	"github.com/basket/skillforge/internal/executor"
	"github.com/basket/skillforge/internal/guard"
	sfotel "github.com/basket/skillforge/internal/otel"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/resolver"
	"github.com/basket/skillforge/internal/synthesizer"
	"github.com/basket/skillforge/internal/tokenutil"
)

// Loop defaults.
const (
	DefaultMaxIterations   = 15
	DefaultMaxToolFailures = 3
)

// observationTokenBudget bounds what a single observation feeds back into
// the transcript.
const observationTokenBudget = 2000

// Session statuses.
const (
	StatusRunning              = "running"
	StatusDone                 = "done"
	StatusFailed               = "failed"
	StatusMaxIterationsReached = "max_iterations_reached"
)

// Loop states, surfaced on step events.
const (
	StateThinking        = "thinking"
	StateActingTool      = "acting_tool"
	StateActingSynthesis = "acting_synthesis"
	StateObserving       = "observing"
)

// Outcome is the terminal state of one loop run. Exhausting the iteration
// budget is an outcome, not an error.
type Outcome struct {
	SessionID  string
	Status     string
	Iterations int
	Result     string
}

// Loop drives think-act-observe sessions.
type Loop struct {
	backend  Backend
	catalog  *catalog.Catalog
	resolver *resolver.Resolver
	executor *executor.Executor
	synth    *synthesizer.Synthesizer
	store    *persistence.Store
	bus      *bus.Bus
	log      *slog.Logger

	maxIterations   int
	maxToolFailures int
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	Backend         Backend
	Catalog         *catalog.Catalog
	Resolver        *resolver.Resolver
	Executor        *executor.Executor
	Synthesizer     *synthesizer.Synthesizer
	Store           *persistence.Store
	Bus             *bus.Bus
	Logger          *slog.Logger
	MaxIterations   int
	MaxToolFailures int
}

func NewLoop(cfg LoopConfig) *Loop {
	l := &Loop{
		backend:         cfg.Backend,
		catalog:         cfg.Catalog,
		resolver:        cfg.Resolver,
		executor:        cfg.Executor,
		synth:           cfg.Synthesizer,
		store:           cfg.Store,
		bus:             cfg.Bus,
		log:             cfg.Logger,
		maxIterations:   cfg.MaxIterations,
		maxToolFailures: cfg.MaxToolFailures,
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.resolver == nil {
		l.resolver = resolver.New(0)
	}
	if l.maxIterations <= 0 {
		l.maxIterations = DefaultMaxIterations
	}
	if l.maxToolFailures <= 0 {
		l.maxToolFailures = DefaultMaxToolFailures
	}
	return l
}

// Run executes one session to a terminal state. The returned error is
// reserved for infrastructure faults (persistence, backend transport);
// task-level failure is reported through Outcome.Status.
func (l *Loop) Run(ctx context.Context, task string) (Outcome, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return Outcome{}, fmt.Errorf("empty task")
	}

	sessionID := uuid.NewString()
	if err := l.store.CreateSession(ctx, sessionID, task); err != nil {
		return Outcome{}, fmt.Errorf("create session: %w", err)
	}

	ctx, span := sfotel.StartSpan(ctx, "loop.run",
		sfotel.AttrSessionID.String(sessionID))
	defer span.End()

	l.publish(bus.TopicLoopStarted, bus.LoopStepEvent{SessionID: sessionID})
	l.log.Info("session started", "session_id", sessionID, "task", task)

	var transcript []Turn
	toolFailures := make(map[string]int)
	start := time.Now()

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		// Cancellation is honored at the thinking boundary so an in-flight
		// action is never half-applied.
		if ctx.Err() != nil {
			return l.finish(ctx, sessionID, StatusFailed, iteration-1, "canceled")
		}

		l.step(sessionID, iteration, StateThinking, "")
		dec, err := l.decide(ctx, sessionID, task, iteration, transcript)
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(ctx, sessionID, StatusFailed, iteration-1, "canceled")
			}
			// The loop cannot reason without its backend.
			l.log.Error("decide failed", "session_id", sessionID, "iteration", iteration, "error", err)
			return l.finish(ctx, sessionID, StatusFailed, iteration, "backend error: "+err.Error())
		}

		if dec.Thought != "" {
			l.appendTurn(ctx, sessionID, Turn{Role: "thought", Content: dec.Thought})
			transcript = append(transcript, Turn{Role: "thought", Content: dec.Thought})
		}

		switch dec.Action {
		case ActionFinish:
			return l.finish(ctx, sessionID, StatusDone, iteration, dec.Result)

		case ActionFail:
			return l.finish(ctx, sessionID, StatusFailed, iteration, dec.Result)

		case ActionUseSkill:
			obs, terminal := l.actTool(ctx, sessionID, iteration, dec, toolFailures)
			if terminal != "" {
				return l.finish(ctx, sessionID, StatusFailed, iteration, terminal)
			}
			transcript = append(transcript, obs)

		case ActionSynthesize:
			obs, failReason := l.actSynthesis(ctx, sessionID, iteration, task, dec)
			if failReason != "" {
				return l.finish(ctx, sessionID, StatusFailed, iteration, failReason)
			}
			transcript = append(transcript, obs)

		default:
			obs := Turn{Role: "observation", Content: fmt.Sprintf("unknown action %q; valid actions: use_skill, synthesize_skill, finish, fail", dec.Action)}
			l.appendTurn(ctx, sessionID, obs)
			transcript = append(transcript, obs)
		}
	}

	l.log.Warn("iteration budget exhausted", "session_id", sessionID, "iterations", l.maxIterations, "elapsed", time.Since(start))
	return l.finish(ctx, sessionID, StatusMaxIterationsReached, l.maxIterations,
		fmt.Sprintf("stopped after %d iterations without finishing", l.maxIterations))
}

func (l *Loop) decide(ctx context.Context, sessionID, task string, iteration int, transcript []Turn) (Decision, error) {
	skills := l.catalog.ListMetadata()
	return l.backend.Decide(ctx, DecideRequest{
		SessionID:  sessionID,
		Task:       task,
		Iteration:  iteration,
		Transcript: transcript,
		Skills:     skills,
		Matches:    l.resolver.Rank(task, skills),
	})
}

// actTool runs a use_skill decision. It returns the observation turn and,
// when the same tool has now failed too many times in a row, a terminal
// failure reason.
func (l *Loop) actTool(ctx context.Context, sessionID string, iteration int, dec Decision, toolFailures map[string]int) (Turn, string) {
	l.step(sessionID, iteration, StateActingTool, dec.Skill)

	argsJSON, _ := json.Marshal(dec.Args)
	l.appendTurn(ctx, sessionID, Turn{Role: "action", Content: string(argsJSON), Tool: dec.Skill})

	actCtx, actSpan := sfotel.StartSpan(ctx, "loop.tool",
		sfotel.AttrSessionID.String(sessionID),
		sfotel.AttrIteration.Int(iteration),
		sfotel.AttrSkillName.String(dec.Skill))
	res := l.executor.Invoke(actCtx, dec.Skill, dec.Args)
	if !res.OK() {
		actSpan.SetStatus(codes.Error, res.Fault)
	}
	actSpan.SetAttributes(attribute.String("skillforge.tool.status", res.Status))
	actSpan.End()

	l.step(sessionID, iteration, StateObserving, dec.Skill)
	obs := Turn{Role: "observation", Content: renderResult(res), Tool: dec.Skill}
	l.appendTurn(ctx, sessionID, obs)

	if res.OK() {
		toolFailures[dec.Skill] = 0
		return obs, ""
	}
	toolFailures[dec.Skill]++
	if toolFailures[dec.Skill] >= l.maxToolFailures {
		return obs, fmt.Sprintf("tool %q failed %d times in a row (last: %s)", dec.Skill, toolFailures[dec.Skill], res.Message)
	}
	return obs, ""
}

// actSynthesis runs a synthesize_skill decision. Permission denials and
// catalog corruption are terminal; every other failure becomes an
// observation the loop can steer around.
func (l *Loop) actSynthesis(ctx context.Context, sessionID string, iteration int, task string, dec Decision) (Turn, string) {
	l.step(sessionID, iteration, StateActingSynthesis, "")

	newSkill := dec.NewSkill
	if newSkill == nil {
		obs := Turn{Role: "observation", Content: "synthesize_skill requires new_skill.name"}
		l.appendTurn(ctx, sessionID, obs)
		return obs, ""
	}
	l.appendTurn(ctx, sessionID, Turn{Role: "action", Content: "synthesize " + newSkill.Name, Tool: "synthesize_skill"})

	synthCtx, synthSpan := sfotel.StartSpan(ctx, "loop.synthesize",
		sfotel.AttrSessionID.String(sessionID),
		sfotel.AttrIteration.Int(iteration),
		sfotel.AttrSkillName.String(newSkill.Name))
	desc, err := l.synth.Synthesize(synthCtx, synthesizer.Request{
		Name:      newSkill.Name,
		Purpose:   newSkill.Purpose,
		Context:   task,
		SessionID: sessionID,
	})
	if err != nil {
		synthSpan.SetStatus(codes.Error, err.Error())
	}
	synthSpan.End()

	l.step(sessionID, iteration, StateObserving, "")
	if err != nil {
		var perr *guard.PermissionError
		if errors.As(err, &perr) {
			obs := Turn{Role: "observation", Content: perr.Error()}
			l.appendTurn(ctx, sessionID, obs)
			return obs, perr.Error()
		}
		if errors.Is(err, catalog.ErrCorrupt) {
			obs := Turn{Role: "observation", Content: err.Error()}
			l.appendTurn(ctx, sessionID, obs)
			return obs, "catalog corruption: " + err.Error()
		}
		obs := Turn{Role: "observation", Content: "synthesis failed: " + err.Error()}
		l.appendTurn(ctx, sessionID, obs)
		return obs, ""
	}

	obs := Turn{Role: "observation", Content: fmt.Sprintf("skill %q created (version %s); it is now available via use_skill", desc.Name, desc.Version)}
	l.appendTurn(ctx, sessionID, obs)
	return obs, ""
}

// finish persists the terminal state and publishes the terminal event.
func (l *Loop) finish(ctx context.Context, sessionID, status string, iterations int, result string) (Outcome, error) {
	// Session teardown must survive a canceled run context.
	persistCtx := context.WithoutCancel(ctx)
	if err := l.store.FinishSession(persistCtx, sessionID, status, iterations, result); err != nil {
		l.log.Error("finish session failed", "session_id", sessionID, "error", err)
	}

	topic := bus.TopicLoopCompleted
	if status != StatusDone {
		topic = bus.TopicLoopFailed
	}
	l.publish(topic, bus.LoopTerminalEvent{
		SessionID:  sessionID,
		Status:     status,
		Iterations: iterations,
		Message:    result,
	})
	l.log.Info("session finished", "session_id", sessionID, "status", status, "iterations", iterations)

	return Outcome{SessionID: sessionID, Status: status, Iterations: iterations, Result: result}, nil
}

func (l *Loop) appendTurn(ctx context.Context, sessionID string, turn Turn) {
	err := l.store.AppendTurn(context.WithoutCancel(ctx), persistence.TurnRow{
		SessionID: sessionID,
		Role:      turn.Role,
		Content:   turn.Content,
		ToolName:  turn.Tool,
	})
	if err != nil {
		l.log.Error("append turn failed", "session_id", sessionID, "role", turn.Role, "error", err)
	}
}

func (l *Loop) step(sessionID string, iteration int, state, tool string) {
	l.publish(bus.TopicLoopStep, bus.LoopStepEvent{
		SessionID: sessionID,
		Iteration: iteration,
		State:     state,
		Tool:      tool,
	})
}

func (l *Loop) publish(topic string, payload any) {
	if l.bus != nil {
		l.bus.Publish(topic, payload)
	}
}

// renderResult flattens an invocation result into observation text, bounded
// by the observation token budget.
func renderResult(res executor.Result) string {
	var b strings.Builder
	if res.OK() {
		b.WriteString("ok")
	} else {
		b.WriteString("error [" + res.Fault + "]")
	}
	if res.Message != "" {
		b.WriteString(": " + res.Message)
	}
	if len(res.Data) > 0 {
		if raw, err := json.Marshal(res.Data); err == nil {
			b.WriteString("\n" + string(raw))
		}
	}
	return tokenutil.Truncate(b.String(), observationTokenBudget)
}
