package sessionhost

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

// Fake is an in-memory SessionHost for tests and local development. It
// records every call and can be programmed to fail.
type Fake struct {
	mu sync.Mutex

	Depths    map[string]int
	Histories map[string][]domain.SessionMessage

	Started       []domain.StartSessionParams
	Patched       map[string][]domain.SessionPatch
	Sent          map[string][]string
	Registrations []domain.RunRegistration

	StartErr error
	PatchErr error
	// PatchModelErrOnce fails the first patch that carries a model, then
	// clears itself. Exercises the retry-without-model path.
	PatchModelErrOnce error
}

// NewFake returns an empty fake host.
func NewFake() *Fake {
	return &Fake{
		Depths:    map[string]int{},
		Histories: map[string][]domain.SessionMessage{},
		Patched:   map[string][]domain.SessionPatch{},
		Sent:      map[string][]string{},
	}
}

func (f *Fake) StartSession(_ domain.Context, p domain.StartSessionParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return "", f.StartErr
	}
	f.Started = append(f.Started, p)
	return "run-" + uuid.NewString(), nil
}

func (f *Fake) PatchSession(_ domain.Context, sessionKey string, patch domain.SessionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PatchErr != nil {
		return f.PatchErr
	}
	if patch.Model != "" && f.PatchModelErrOnce != nil {
		err := f.PatchModelErrOnce
		f.PatchModelErrOnce = nil
		return err
	}
	f.Patched[sessionKey] = append(f.Patched[sessionKey], patch)
	if patch.Depth != nil {
		f.Depths[sessionKey] = *patch.Depth
	}
	return nil
}

func (f *Fake) SendToSession(_ domain.Context, sessionKey, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent[sessionKey] = append(f.Sent[sessionKey], content)
	return nil
}

func (f *Fake) FetchSessionHistory(_ domain.Context, sessionKey string, limit int) ([]domain.SessionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.Histories[sessionKey]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h, nil
}

func (f *Fake) SessionDepth(_ domain.Context, sessionKey string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Depths[sessionKey]
	if !ok {
		return 0, fmt.Errorf("session %s: %w", sessionKey, domain.ErrNotFound)
	}
	return d, nil
}

func (f *Fake) RegisterSubagentRun(_ domain.Context, r domain.RunRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Registrations = append(f.Registrations, r)
	return nil
}

var _ domain.SessionHost = (*Fake)(nil)

// FakeSender is an in-memory MessageSender.
type FakeSender struct {
	mu       sync.Mutex
	Messages []SentMessage
	SendErr  error
}

// SentMessage captures one Send call.
type SentMessage struct {
	Channel, Target, Content, IdempotencyKey string
}

func (f *FakeSender) Send(_ domain.Context, channel, target, content, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.Messages = append(f.Messages, SentMessage{channel, target, content, idempotencyKey})
	return "msg-" + uuid.NewString(), nil
}

var _ domain.MessageSender = (*FakeSender)(nil)
