package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Agent is one entry of the gateway's agent directory.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
}

// DefaultAgents is returned by ListAgents when the gateway cannot list agents.
var DefaultAgents = []Agent{
	{ID: "main", Name: "Main", Description: "Default assistant"},
}

// ListAgents returns the gateway's agents, or the fallback list if the call
// fails for any reason. The second result is false when the fallback was used.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, bool) {
	payload, err := c.Call(ctx, "agents.list", nil)
	if err != nil {
		c.logger.Warn("listing agents failed, using fallback: %s", err)
		return c.fallback(), false
	}
	agents, err := decodeAgents(payload)
	if err != nil {
		c.logger.Warn("decoding agents failed, using fallback: %s", err)
		return c.fallback(), false
	}
	return agents, true
}

func (c *Client) fallback() []Agent {
	return append([]Agent(nil), c.fallbackAgents...)
}

// decodeAgents accepts a bare array or an {"agents": [...]} object.
func decodeAgents(payload json.RawMessage) ([]Agent, error) {
	var list []Agent
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Agents []Agent `json:"agents"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Agents == nil {
		return nil, errors.New("response has no agents")
	}
	return wrapped.Agents, nil
}

// Run identifies an accepted agent or chat run.
type Run struct {
	RunID  string `json:"runId"`
	Status string `json:"status,omitempty"`
}

// AgentMessage is sent with SendAgentMessage.
type AgentMessage struct {
	AgentID        string `json:"agentId"`
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SendAgentMessage invokes the agent method. An empty IdempotencyKey is filled in.
func (c *Client) SendAgentMessage(ctx context.Context, msg AgentMessage) (*Run, error) {
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = newID()
	}
	run, err := CallInto[Run](ctx, c, "agent", msg)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ChatMessage is sent with SendChat and StreamChat.
type ChatMessage struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SendChat invokes chat.send and returns the accepted run.
func (c *Client) SendChat(ctx context.Context, msg ChatMessage) (*Run, error) {
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = newID()
	}
	run, err := CallInto[Run](ctx, c, "chat.send", msg)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateAborted = "aborted"
	ChatStateError   = "error"
)

// ChatEvent is the payload of a chat event.
type ChatEvent struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey,omitempty"`
	Seq          int             `json:"seq"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Terminal reports whether no more events follow for the run.
func (e ChatEvent) Terminal() bool {
	return e.State == ChatStateFinal || e.State == ChatStateAborted || e.State == ChatStateError
}

// ChatRunError is returned by StreamChat when the run ends in the error state.
type ChatRunError struct {
	RunID   string
	Message string
}

func (e *ChatRunError) Error() string {
	return fmt.Sprintf("chat run %s failed: %s", e.RunID, e.Message)
}

// StreamChat sends msg and passes every chat event of the resulting run to
// fn until the run reaches a terminal state, ctx ends or the connection
// closes. fn runs on the read goroutine.
func (c *Client) StreamChat(ctx context.Context, msg ChatMessage, fn func(ChatEvent)) (*Run, error) {
	c.mu.Lock()
	closed := c.done
	c.mu.Unlock()
	if closed == nil {
		return nil, c.report(ctx, ErrNotConnected, "chat.send", nil)
	}

	var (
		mu      sync.Mutex
		runID   string
		early   []ChatEvent
		final   = make(chan ChatEvent, 1)
		settled bool
	)
	deliver := func(ev ChatEvent) {
		if settled {
			return
		}
		fn(ev)
		if ev.Terminal() {
			settled = true
			final <- ev
		}
	}
	unsubscribe := c.On("chat", func(e Event) {
		var ev ChatEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			c.logger.Debug("dropping chat event: %s", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case runID == "":
			// the run id is not known until chat.send returns
			early = append(early, ev)
		case ev.RunID == runID:
			deliver(ev)
		}
	})
	defer unsubscribe()

	run, err := c.SendChat(ctx, msg)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	runID = run.RunID
	for _, ev := range early {
		if ev.RunID == runID {
			deliver(ev)
		}
	}
	early = nil
	mu.Unlock()

	select {
	case ev := <-final:
		return run, chatOutcome(run, ev)
	case <-closed:
		// events are dispatched before the read loop closes the connection,
		// so a terminal event delivered just ahead of the close wins.
		select {
		case ev := <-final:
			return run, chatOutcome(run, ev)
		default:
			return run, ErrConnectionClosed
		}
	case <-ctx.Done():
		return run, ctx.Err()
	}
}

func chatOutcome(run *Run, ev ChatEvent) error {
	if ev.State == ChatStateError {
		return &ChatRunError{RunID: run.RunID, Message: ev.ErrorMessage}
	}
	return nil
}

// AgentIdentity describes how an agent presents itself.
type AgentIdentity struct {
	AgentID     string `json:"agentId"`
	Name        string `json:"name"`
	Emoji       string `json:"emoji,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Description string `json:"description,omitempty"`
}

// AgentIdentity invokes agent.identity.full for agentID.
func (c *Client) AgentIdentity(ctx context.Context, agentID string) (*AgentIdentity, error) {
	identity, err := CallInto[AgentIdentity](ctx, c, "agent.identity.full", map[string]string{"agentId": agentID})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// HealthStatus is the payload of the health method.
type HealthStatus struct {
	OK       bool   `json:"ok"`
	Version  string `json:"version,omitempty"`
	UptimeMs int64  `json:"uptimeMs,omitempty"`
}

// Health invokes the health method.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	status, err := CallInto[HealthStatus](ctx, c, "health", nil)
	if err != nil {
		return nil, err
	}
	return &status, nil
}
