// Package notify formats run outcomes and hands them to a delivery channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"routerbackup/internal/history"
)

// Message is one notification.
type Message struct {
	Title   string    `json:"title"`
	Text    string    `json:"text"`
	Success bool      `json:"success"`
	Outcome string    `json:"outcome"`
	Job     string    `json:"job"`
	Sinks   []string  `json:"sinks,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Target describes the job a message is about.
type Target struct {
	Job     string // job name
	Label   string // human label, e.g. "OpenWrt backup"
	Address string // backend address shown in the text
}

const divider = "-------------------------"

// Format builds the message for a finished run.
func Format(rec history.Record, target Target) Message {
	label := target.Label
	if label == "" {
		label = target.Job
	}

	var status string
	switch rec.Outcome {
	case history.OutcomeSuccess:
		status = "succeeded"
	case history.OutcomePartial:
		status = "partially succeeded"
	default:
		status = "failed"
	}

	var b strings.Builder
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "Status: %s\n\n", status)
	if target.Address != "" {
		fmt.Fprintf(&b, "Router: %s\n", target.Address)
	}
	if rec.Artifact != "" {
		fmt.Fprintf(&b, "File: %s\n", rec.Artifact)
	}

	var sinks []string
	for _, s := range rec.Sinks {
		sinks = append(sinks, s.Name)
		if s.OK {
			fmt.Fprintf(&b, "Sink %s: ok", s.Name)
			if s.Evicted > 0 {
				fmt.Fprintf(&b, " (%d old removed)", s.Evicted)
			}
			b.WriteString("\n")
		} else {
			fmt.Fprintf(&b, "Sink %s: failed: %s\n", s.Name, s.Error)
		}
	}
	if msg := strings.TrimSpace(rec.Message); msg != "" {
		fmt.Fprintf(&b, "Details: %s\n", msg)
	}
	b.WriteString("\n" + divider + "\n")

	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(ts.Format("2006-01-02 15:04:05"))

	return Message{
		Title:   fmt.Sprintf("%s %s", label, status),
		Text:    b.String(),
		Success: rec.Success,
		Outcome: string(rec.Outcome),
		Job:     target.Job,
		Sinks:   sinks,
		Time:    ts,
	}
}

// FormatRestore builds the message for a finished restore. rec.Sinks holds
// the sink the artifact was read from.
func FormatRestore(rec history.Record, target Target) Message {
	label := target.Label
	if label == "" {
		label = target.Job
	}
	status := "failed"
	if rec.Success {
		status = "succeeded"
	}

	var b strings.Builder
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "Status: restore %s\n\n", status)
	if target.Address != "" {
		fmt.Fprintf(&b, "Router: %s\n", target.Address)
	}
	if rec.Artifact != "" {
		fmt.Fprintf(&b, "File: %s\n", rec.Artifact)
	}
	var sinks []string
	for _, s := range rec.Sinks {
		sinks = append(sinks, s.Name)
		fmt.Fprintf(&b, "Source: %s (%s)\n", s.Name, s.Type)
	}
	if msg := strings.TrimSpace(rec.Message); msg != "" {
		fmt.Fprintf(&b, "Details: %s\n", msg)
	}
	b.WriteString("\n" + divider + "\n")

	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(ts.Format("2006-01-02 15:04:05"))

	return Message{
		Title:   fmt.Sprintf("%s restore %s", label, status),
		Text:    b.String(),
		Success: rec.Success,
		Outcome: string(rec.Outcome),
		Job:     target.Job,
		Sinks:   sinks,
		Time:    ts,
	}
}

// FormatCleared builds the message sent when a job's backup history is
// cleared. removed is the number of records dropped.
func FormatCleared(target Target, removed int, ts time.Time) Message {
	label := target.Label
	if label == "" {
		label = target.Job
	}
	return Message{
		Title:   fmt.Sprintf("%s history cleared", label),
		Text:    fmt.Sprintf("%d record(s) removed\n%s", removed, ts.Format("2006-01-02 15:04:05")),
		Success: true,
		Outcome: string(history.OutcomeSuccess),
		Job:     target.Job,
		Time:    ts,
	}
}

// LogNotifier writes messages to a zerolog logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	ev := n.Logger.Info()
	if !msg.Success {
		ev = n.Logger.Warn()
	}
	ev.Str("job", msg.Job).
		Str("outcome", msg.Outcome).
		Strs("sinks", msg.Sinks).
		Str("text", msg.Text).
		Msg(msg.Title)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nop struct{}

func (nop) Notify(context.Context, Message) error { return nil }

// Nop discards every message.
var Nop Notifier = nop{}
