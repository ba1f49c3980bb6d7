package anonymity

import (
	"time"

	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

const Placeholder = "Anónimo"

type StudentView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PhotoRef     string `json:"photoRef,omitempty"`
	PhotoBlurred bool   `json:"photoBlurred,omitempty"`
	Course       string `json:"course,omitempty"`
}

// AlertView is the only shape of an alert that may be rendered or forwarded.
type AlertView struct {
	ID          string                `json:"id"`
	Scope       string                `json:"scope"`
	Student     StudentView           `json:"student"`
	Origin      string                `json:"origin"`
	Type        string                `json:"type"`
	Priority    types.VocabularyEntry `json:"priority"`
	Severity    types.VocabularyEntry `json:"severity"`
	State       types.State           `json:"state"`
	Responsible *types.Responsible    `json:"responsible,omitempty"`
	Anonymous   bool                  `json:"anonymous"`
	Description string                `json:"description,omitempty"`
	Read        bool                  `json:"read"`
	Version     int64                 `json:"version"`
	GeneratedAt time.Time             `json:"generatedAt"`
	ResolvedAt  *time.Time            `json:"resolvedAt,omitempty"`
}

// Guard decides what of the student's identity leaves the core. With OmitPhoto
// unset the photo reference of an anonymous alert is kept and flagged to be
// blurred by the renderer.
type Guard struct {
	OmitPhoto bool
}

func Present(a types.Alert) AlertView {
	return Guard{}.Present(a)
}

func (g Guard) Present(a types.Alert) AlertView {
	v := AlertView{
		ID:    a.ID,
		Scope: a.Scope,
		Student: StudentView{
			ID:       a.Student.ID,
			Name:     a.Student.Name,
			PhotoRef: a.Student.PhotoRef,
			Course:   a.Student.Course,
		},
		Origin:      a.Origin,
		Type:        a.Type,
		Priority:    a.Priority,
		Severity:    a.Severity,
		State:       a.State,
		Responsible: a.Responsible,
		Anonymous:   a.Anonymous,
		Description: a.Description,
		Read:        a.Read,
		Version:     a.Version,
		GeneratedAt: a.GeneratedAt,
		ResolvedAt:  a.ResolvedAt,
	}

	if a.Anonymous {
		v.Student.Name = Placeholder
		v.Student.PhotoBlurred = v.Student.PhotoRef != ""
		if g.OmitPhoto {
			v.Student.PhotoRef = ""
			v.Student.PhotoBlurred = false
		}
	}

	return v
}

func (g Guard) PresentAll(alerts []types.Alert) []AlertView {
	views := make([]AlertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, g.Present(a))
	}
	return views
}
