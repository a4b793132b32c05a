// Package publish forwards sensor values, pulse events and log lines to a
// message broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sprinkler/internal/eventbus"
	logx "sprinkler/pkg/logx"
)

// Client delivers one message. MQTT and Fake implement it.
type Client interface {
	Send(ctx context.Context, topic string, retained bool, payload []byte) error
	Close() error
}

// ValuePayload is the body of a sensor value message.
type ValuePayload struct {
	Value int `json:"value"`
}

// PulsePayload is the body of a pulse message.
type PulsePayload struct {
	Event       string `json:"event"`
	Handle      string `json:"handle"`
	ScheduleID  int64  `json:"schedule_id,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	Explanation string `json:"explanation,omitempty"`
	Completed   bool   `json:"completed,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// LogPayload is the body of a forwarded log line.
type LogPayload struct {
	Level string `json:"level"`
	Line  string `json:"line"`
}

// Publisher maps domain messages onto topics below a common prefix:
//
//	<topic>/<sensor>          {"value":N}, retained
//	<topic>/pulse/<relay>     pulse lifecycle
//	<topic>/log               warn+ log lines
type Publisher struct {
	client Client
	topic  string
	log    logx.Logger
}

func New(client Client, topic string, log logx.Logger) *Publisher {
	topic = strings.TrimRight(strings.TrimSpace(topic), "/")
	if topic == "" {
		topic = "sprinkler"
	}
	return &Publisher{client: client, topic: topic, log: log.With(logx.String("comp", "publish"))}
}

// Topic returns the full topic for a sub-path. Names are sanitized so they
// cannot add levels or wildcards.
func (p *Publisher) Topic(parts ...string) string {
	var b strings.Builder
	b.WriteString(p.topic)
	for _, s := range parts {
		b.WriteByte('/')
		b.WriteString(topicSegment(s))
	}
	return b.String()
}

var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")

func topicSegment(s string) string {
	s = segmentReplacer.Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}

// Publish sends the latest value of a sensor as a retained message.
func (p *Publisher) Publish(ctx context.Context, sensorName string, value int) error {
	b, err := json.Marshal(ValuePayload{Value: value})
	if err != nil {
		return err
	}
	if err := p.client.Send(ctx, p.Topic(sensorName), true, b); err != nil {
		return fmt.Errorf("publish %s: %w", sensorName, err)
	}
	return nil
}

// SendLog implements logx.RemoteSink.
func (p *Publisher) SendLog(ctx context.Context, level, line string) error {
	b, err := json.Marshal(LogPayload{Level: level, Line: line})
	if err != nil {
		return err
	}
	return p.client.Send(ctx, p.topic+"/log", false, b)
}

// PublishPulse sends one pulse lifecycle event.
func (p *Publisher) PublishPulse(ctx context.Context, e eventbus.Event) error {
	pl, ok := e.Data.(eventbus.Pulse)
	if !ok {
		return fmt.Errorf("event %s: unexpected payload %T", e.Type, e.Data)
	}
	body := PulsePayload{
		Event:       strings.TrimPrefix(e.Type, "pulse."),
		Handle:      pl.HandleID,
		ScheduleID:  pl.ScheduleID,
		DurationMS:  pl.Duration.Milliseconds(),
		Explanation: pl.Explanation,
		Completed:   pl.Completed,
		Error:       pl.Err,
		Timestamp:   e.Time.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return p.client.Send(ctx, p.Topic("pulse", pl.RelayName), false, b)
}

// Bridge forwards pulse events from bus until ctx is done. Failures are
// logged and dropped.
func (p *Publisher) Bridge(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			switch e.Type {
			case eventbus.PulseStarted, eventbus.PulseFinished, eventbus.PulseSkipped:
			default:
				continue
			}
			if err := p.PublishPulse(ctx, e); err != nil {
				p.log.Debug("pulse publish failed", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func (p *Publisher) Close() error { return p.client.Close() }
