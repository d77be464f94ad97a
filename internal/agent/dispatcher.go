package agent

import (
	"context"
	"fmt"

	"github.com/duraloop/duraloop/internal/sessions"
	"github.com/duraloop/duraloop/pkg/models"
)

// AgentResolver looks up an agent spec by name, used by the dispatcher
// to rebuild a Loop for a session without the caller needing to pass
// the full spec through the callback.
type AgentResolver interface {
	Resolve(name string) (models.Agent, bool)
}

// Dispatcher routes a background-process completion either into the steering channel
// of an already-running loop, or by acquiring the session's loop lock
// and starting a fresh loop, adapted from job-to-session
// routing idiom in loop.go's async-job completion path.
type Dispatcher struct {
	store sessions.Store
	bus *SteeringBus
	agents AgentResolver
	newLoop func(models.Agent) *Loop
}

func NewDispatcher(store sessions.Store, bus *SteeringBus, agents AgentResolver, newLoop func(models.Agent) *Loop) *Dispatcher {
	return &Dispatcher{store: store, bus: bus, agents: agents, newLoop: newLoop}
}

// Deliver routes one completion notification for sessionID. If a loop
// is already driving the session, the message is steered in and the
// running loop will pick it up at its next iteration boundary. If not,
// the dispatcher acquires the session's loop lock — guaranteeing it
// observes any previous loop's committed state — and starts a fresh
// loop seeded with the callback content as a user message.
func (d *Dispatcher) Deliver(ctx context.Context, sessionID, content string) (*LoopResult, error) {
	if d.bus.IsRunning(sessionID) {
		d.bus.Steer(sessionID, content)
		return nil, nil
	}

	release, ok := d.bus.TryAcquire(sessionID)
	if !ok {
		// Lost the race to another caller starting a fresh loop; steer
		// into it instead of racing a second loop onto the session.
		d.bus.Steer(sessionID, content)
		return nil, nil
	}
	defer release()

	sess, err := d.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("agent: dispatcher load session: %w", err)
	}

	spec, ok := d.agents.Resolve(sess.AgentName)
	if !ok {
		return nil, fmt.Errorf("agent: dispatcher: unknown agent %q for session %s", sess.AgentName, sessionID)
	}

	sess, err = d.store.AddUserMessage(ctx, sessionID, &models.Message{
		ID: sessionID + "-callback",
		Role: models.RoleUser,
		Content: content,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: dispatcher record callback message: %w", err)
	}

	loop := d.newLoop(spec)
	return loop.Run(ctx, spec, sess)
}

// CompletionAdapter narrows Dispatcher.Deliver's (*LoopResult, error)
// return to the single error the process registry's
// CompletionDispatcher contract expects.
type CompletionAdapter struct {
	D *Dispatcher
}

func (a CompletionAdapter) Deliver(ctx context.Context, sessionID, content string) error {
	_, err := a.D.Deliver(ctx, sessionID, content)
	return err
}
