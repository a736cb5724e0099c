package notify

import (
	"context"
	"sync"
	"time"

	"example.com/reminders/internal/persistence"
)

// Permissions is the platform notification permission service.
type Permissions interface {
	Check(ctx context.Context) (bool, error)
	// Request asks the user. It may block for as long as the user takes to answer.
	Request(ctx context.Context) (bool, error)
}

// Granted reports permission as always granted, for hosts without a permission model.
type Granted struct{}

// Check implements Permissions.
func (Granted) Check(context.Context) (bool, error) { return true, nil }

// Request implements Permissions.
func (Granted) Request(context.Context) (bool, error) { return true, nil }

const permissionKey = "permission:notifications"

// PromptPermissions keeps the user's answer in the key-value store and asks open UI
// clients when no answer is stored. Request blocks until Answer is called, the prompt
// times out, or ctx ends; the latter two count as a denial.
type PromptPermissions struct {
	kv      persistence.KV
	prompt  func(context.Context)
	timeout time.Duration

	mu      sync.Mutex
	waiters []chan bool
}

// NewPromptPermissions constructs PromptPermissions. prompt is invoked to surface the
// question to the user, typically by broadcasting to connected UI clients.
func NewPromptPermissions(kv persistence.KV, prompt func(context.Context), timeout time.Duration) *PromptPermissions {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &PromptPermissions{kv: kv, prompt: prompt, timeout: timeout}
}

// Check implements Permissions.
func (p *PromptPermissions) Check(ctx context.Context) (bool, error) {
	value, found, err := p.kv.Get(ctx, permissionKey)
	if err != nil || !found {
		return false, err
	}
	return string(value) == "granted", nil
}

// Request implements Permissions.
func (p *PromptPermissions) Request(ctx context.Context) (bool, error) {
	answer := make(chan bool, 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, answer)
	p.mu.Unlock()

	if p.prompt != nil {
		p.prompt(ctx)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case granted := <-answer:
		return granted, nil
	case <-timer.C:
		p.drop(answer)
		return false, nil
	case <-ctx.Done():
		p.drop(answer)
		return false, ctx.Err()
	}
}

// Answer stores the user's decision and releases pending requests.
func (p *PromptPermissions) Answer(ctx context.Context, granted bool) error {
	value := "denied"
	if granted {
		value = "granted"
	}
	if err := p.kv.Set(ctx, permissionKey, []byte(value)); err != nil {
		return err
	}

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		w <- granted
	}
	return nil
}

func (p *PromptPermissions) drop(answer chan bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == answer {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}
