package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liuq19/chatflow/internal/ai"
)

// TurnRequest is one user input against a resolved session.
type TurnRequest struct {
	UserID       uint64
	SessionID    string
	ModelID      string
	Content      string
	MemoryPrompt string
	History      []Message
	Credential   string
}

// TurnStream is the live output of one turn. Tokens carries provider
// increments in arrival order and is closed when the turn ends, whether
// it completed or failed. Err is buffered and closed after Tokens; it
// holds at most one error. What (if anything) of that error reaches the
// end user is the transport layer's policy, not decided here.
type TurnStream struct {
	Tokens <-chan string
	Err    <-chan error
}

// TurnEvent is published after a successful transcript commit.
type TurnEvent struct {
	UserID      uint64    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	ModelID     string    `json:"model_id"`
	PromptChars int       `json:"prompt_chars"`
	ReplyChars  int       `json:"reply_chars"`
	CompletedAt time.Time `json:"completed_at"`
}

type EventPublisher interface {
	PublishTurn(ctx context.Context, ev TurnEvent) error
}

// Orchestrator drives one streamed exchange: model resolution, provider
// streaming, live token forwarding, and the exactly-once transcript
// commit when the stream completes.
type Orchestrator struct {
	store     *Store
	registry  *ai.Registry
	persister *Persister
	events    EventPublisher // optional
}

func NewOrchestrator(store *Store, registry *ai.Registry, persister *Persister, events EventPublisher) *Orchestrator {
	return &Orchestrator{store: store, registry: registry, persister: persister, events: events}
}

// Run opens the provider stream for one turn. Lookup and validation
// failures (unknown model, unknown provider, malformed history role) are
// returned synchronously before any token flows. Once a TurnStream is
// returned, mid-stream failures surface on its Err channel; the commit
// is skipped for them. Cancelling ctx aborts the provider call and skips
// the commit. Providers without streaming support still work: the whole
// reply arrives as a single increment.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (*TurnStream, error) {
	ref, err := o.store.GetModelRef(ctx, req.ModelID)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", req.ModelID, err)
	}

	provider, err := o.registry.Get(ref.Provider)
	if err != nil {
		return nil, err
	}

	providerMsgs, err := providerMessages(req)
	if err != nil {
		return nil, err
	}

	tokens := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(tokens)

		creq := ai.ChatRequest{
			Model:    ref.Name,
			APIKey:   req.Credential,
			Messages: providerMsgs,
		}

		var pChunks <-chan string
		var pErrs <-chan error
		if sp, ok := provider.(ai.StreamProvider); ok {
			pChunks, pErrs = sp.StreamChat(ctx, creq)
		} else {
			pChunks, pErrs = chatOnce(ctx, provider, creq)
		}

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			select {
			case tokens <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}

		// provider error (if any); the chunk channel is closed by now
		if err := <-pErrs; err != nil {
			logrus.WithFields(logrus.Fields{
				"user_id":    req.UserID,
				"session_id": req.SessionID,
				"model_id":   req.ModelID,
			}).WithError(err).Warn("provider stream failed, transcript not committed")
			errs <- fmt.Errorf("provider stream: %w", err)
			return
		}

		if ctx.Err() != nil {
			errs <- ctx.Err()
			return
		}

		reply := b.String()
		if err := o.persister.Commit(ctx, req.UserID, req.SessionID, req.ModelID, req.Content, reply); err != nil {
			// tokens were already delivered; this inconsistency must
			// reach operators even though the user stream looks fine
			logrus.WithFields(logrus.Fields{
				"user_id":    req.UserID,
				"session_id": req.SessionID,
				"model_id":   req.ModelID,
			}).WithError(err).Error("transcript commit failed after stream completion")
			errs <- fmt.Errorf("commit transcript: %w", err)
			return
		}

		if o.events != nil {
			ev := TurnEvent{
				UserID:      req.UserID,
				SessionID:   req.SessionID,
				ModelID:     req.ModelID,
				PromptChars: len(req.Content),
				ReplyChars:  len(reply),
				CompletedAt: time.Now(),
			}
			if err := o.events.PublishTurn(ctx, ev); err != nil {
				logrus.WithError(err).Warn("turn event publish failed")
			}
		}
	}()

	return &TurnStream{Tokens: tokens, Err: errs}, nil
}

// providerMessages normalizes a turn into the provider wire shape:
// memory prompt first (as system), then history, then the new input.
// History roles are validated here since Message rows carry free-form
// strings once they leave the typed API.
func providerMessages(req TurnRequest) ([]ai.Message, error) {
	msgs := make([]ai.Message, 0, len(req.History)+2)
	if req.MemoryPrompt != "" {
		msgs = append(msgs, ai.Message{Role: string(RoleSystem), Content: req.MemoryPrompt})
	}
	for _, m := range req.History {
		role, err := ParseRole(string(m.Role))
		if err != nil {
			return nil, fmt.Errorf("history message: %w", err)
		}
		msgs = append(msgs, ai.Message{Role: string(role), Content: m.Content})
	}
	msgs = append(msgs, ai.Message{Role: string(RoleUser), Content: req.Content})
	return msgs, nil
}

// chatOnce adapts a non-streaming provider to the stream channel pair.
func chatOnce(ctx context.Context, p ai.Provider, req ai.ChatRequest) (<-chan string, <-chan error) {
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		reply, err := p.Chat(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		if reply != "" {
			chunks <- reply
		}
	}()
	return chunks, errs
}
