package database

import (
	"time"

	"gorm.io/datatypes"
)

type Alert struct {
	ID            string `gorm:"primaryKey"`
	Scope         string `gorm:"index"`
	StudentID     string
	Origin        string
	Type          string
	PriorityID    string
	SeverityID    string
	State         string `gorm:"index"`
	ResponsibleID *string
	Anonymous     bool
	Description   string
	Read          bool `gorm:"column:is_read"`
	Version       int64
	GeneratedAt   time.Time
	ResolvedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Alert) TableName() string {
	return "alerts"
}

type Student struct {
	ID       string `gorm:"primaryKey"`
	Name     string
	PhotoRef string
	Course   string
	Scope    string `gorm:"index"`
}

func (Student) TableName() string {
	return "students"
}

type Staff struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Email     string
	Role      string
	Scope     string `gorm:"index"`
	PowerUser bool
}

func (Staff) TableName() string {
	return "staff"
}

type Vocabulary struct {
	Kind string `gorm:"primaryKey"`
	ID   string `gorm:"primaryKey"`
	Name string
	Rank int
}

func (Vocabulary) TableName() string {
	return "vocabularies"
}

// BitacoraEntry rows are only ever inserted. Seq keeps the append order.
type BitacoraEntry struct {
	Seq             uint   `gorm:"primaryKey;autoIncrement"`
	ID              string `gorm:"uniqueIndex"`
	AlertID         string `gorm:"index"`
	Plan            string
	CommitmentDate  datatypes.Date
	RealizationDate *datatypes.Date
	AttachmentID    *string
	CreatedAt       time.Time
}

func (BitacoraEntry) TableName() string {
	return "bitacora_entries"
}

type Attachment struct {
	ID          string `gorm:"primaryKey"`
	AlertID     string `gorm:"index"`
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
	CreatedAt   time.Time
}

func (Attachment) TableName() string {
	return "attachments"
}
