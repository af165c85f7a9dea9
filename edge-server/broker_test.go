package main

import (
	"context"
	"sync"

	"concert-session/shared"
)

type publishedMsg struct {
	subject string
	data    []byte
}

// memBroker delivers published messages synchronously to exact-subject
// subscribers.
type memBroker struct {
	mu           sync.Mutex
	handlers     map[string]map[int]func(string, []byte)
	next         int
	subscribes   int
	unsubscribes int
	published    []publishedMsg
}

func newMemBroker() *memBroker {
	return &memBroker{handlers: make(map[string]map[int]func(string, []byte))}
}

func (b *memBroker) Subscribe(subject string, fn func(string, []byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[int]func(string, []byte))
	}
	b.handlers[subject][id] = fn
	b.subscribes++
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[subject], id)
		b.unsubscribes++
		return nil
	}, nil
}

func (b *memBroker) Publish(subject string, data []byte) error {
	b.mu.Lock()
	b.published = append(b.published, publishedMsg{subject: subject, data: data})
	var fns []func(string, []byte)
	for _, fn := range b.handlers[subject] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(subject, data)
	}
	return nil
}

func (b *memBroker) counts() (subscribes, unsubscribes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes, b.unsubscribes
}

func (b *memBroker) last() publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) == 0 {
		return publishedMsg{}
	}
	return b.published[len(b.published)-1]
}

type leaveCall struct {
	token string
	req   shared.LeaveRequest
}

type fakeLeaver struct {
	calls chan leaveCall
}

func (f *fakeLeaver) Leave(_ context.Context, rawToken string, req shared.LeaveRequest) error {
	f.calls <- leaveCall{token: rawToken, req: req}
	return nil
}
