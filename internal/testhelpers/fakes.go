package testhelpers

import (
	"context"
	"fmt"
	"sync"
)

// ========================================
// Fake Notification Channel
// ========================================

// SentMessage is one message accepted by a FakeChannel
type SentMessage struct {
	Recipient  string
	Message    string
	Metadata   map[string]string
	ExternalID string
}

// FakeChannel records sends and fails on demand
type FakeChannel struct {
	name string

	mu       sync.Mutex
	sent     []SentMessage
	attempts int
	failNext []error
	failAll  error
}

// NewFakeChannel creates a channel that accepts every message
func NewFakeChannel(name string) *FakeChannel {
	return &FakeChannel{name: name}
}

// Name returns the channel name
func (f *FakeChannel) Name() string {
	return f.name
}

// Send records the message or returns the next configured failure
func (f *FakeChannel) Send(ctx context.Context, recipient, message string, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(f.failNext) > 0 {
		err := f.failNext[0]
		f.failNext = f.failNext[1:]
		return "", err
	}
	if f.failAll != nil {
		return "", f.failAll
	}

	id := fmt.Sprintf("%s-%d", f.name, len(f.sent)+1)
	f.sent = append(f.sent, SentMessage{
		Recipient:  recipient,
		Message:    message,
		Metadata:   metadata,
		ExternalID: id,
	})
	return id, nil
}

// FailNext makes the next len(errs) sends fail with errs in order
func (f *FakeChannel) FailNext(errs ...error) *FakeChannel {
	f.mu.Lock()
	f.failNext = append(f.failNext, errs...)
	f.mu.Unlock()
	return f
}

// FailAlways makes every send fail with err; nil restores success
func (f *FakeChannel) FailAlways(err error) *FakeChannel {
	f.mu.Lock()
	f.failAll = err
	f.mu.Unlock()
	return f
}

// Sent returns a copy of the accepted messages
func (f *FakeChannel) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Attempts returns how many times Send was called
func (f *FakeChannel) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// ========================================
// Fake Recipient Directory
// ========================================

// FakeDirectory resolves recipients from in-memory maps
type FakeDirectory struct {
	mu        sync.Mutex
	byChannel map[string][]string
	byRound   map[string]map[int][]string
	Err       error
}

// NewFakeDirectory creates an empty directory
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		byChannel: make(map[string][]string),
		byRound:   make(map[string]map[int][]string),
	}
}

// Set defines the recipients of a channel for every round
func (d *FakeDirectory) Set(channel string, recipients ...string) *FakeDirectory {
	d.mu.Lock()
	d.byChannel[channel] = recipients
	d.mu.Unlock()
	return d
}

// SetRound overrides the recipients of a channel for one round
func (d *FakeDirectory) SetRound(channel string, round int, recipients ...string) *FakeDirectory {
	d.mu.Lock()
	if d.byRound[channel] == nil {
		d.byRound[channel] = make(map[int][]string)
	}
	d.byRound[channel][round] = recipients
	d.mu.Unlock()
	return d
}

// Recipients returns who a channel reaches in a round
func (d *FakeDirectory) Recipients(ctx context.Context, channel string, round int) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if r, ok := d.byRound[channel][round]; ok {
		return r, nil
	}
	return d.byChannel[channel], nil
}
