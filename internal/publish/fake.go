package publish

import (
	"context"
	"sync"
)

// Message is one message recorded by Fake.
type Message struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// Fake records sent messages for test assertions.
type Fake struct {
	mu       sync.Mutex
	messages []Message
	closed   bool

	// SendError, if set, is returned by Send.
	SendError error
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Send(_ context.Context, topic string, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendError != nil {
		return f.SendError
	}
	f.messages = append(f.messages, Message{Topic: topic, Retained: retained, Payload: append([]byte(nil), payload...)})
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Messages returns a copy of everything sent so far.
func (f *Fake) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
