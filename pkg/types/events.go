package types

import (
	"encoding/json"
	"time"
)

// Message is implemented by everything that can be published on a topic.
type Message interface {
	ContentType() string
	TopicName() string
	Body() []byte
}

// AlertCreated leaves the core on every topic and stream, so it carries
// references only. Readers fetch the alert through the api to see the student.
type AlertCreated struct {
	AlertID   string    `json:"alertId"`
	Scope     string    `json:"scope"`
	Origin    string    `json:"origin"`
	Type      string    `json:"type,omitempty"`
	Priority  string    `json:"priority"`
	Severity  string    `json:"severity"`
	State     State     `json:"state"`
	Anonymous bool      `json:"anonymous"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *AlertCreated) ContentType() string {
	return "application/json"
}
func (e *AlertCreated) TopicName() string {
	return "alerts.created"
}
func (e *AlertCreated) Body() []byte {
	b, _ := json.Marshal(e)
	return b
}

type AlertTransitioned struct {
	AlertID     string    `json:"alertId"`
	Scope       string    `json:"scope"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Responsible string    `json:"responsible,omitempty"`
	Version     int64     `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e *AlertTransitioned) ContentType() string {
	return "application/json"
}
func (e *AlertTransitioned) TopicName() string {
	return "alerts.transitioned"
}
func (e *AlertTransitioned) Body() []byte {
	b, _ := json.Marshal(e)
	return b
}

type BitacoraEntryAppended struct {
	AlertID   string    `json:"alertId"`
	EntryID   string    `json:"entryId"`
	Scope     string    `json:"scope"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BitacoraEntryAppended) ContentType() string {
	return "application/json"
}
func (e *BitacoraEntryAppended) TopicName() string {
	return "alerts.bitacoraAppended"
}
func (e *BitacoraEntryAppended) Body() []byte {
	b, _ := json.Marshal(e)
	return b
}
