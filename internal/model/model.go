package model

import (
	"time"

	"eventseries/internal/recurrence"
)

// Series is a named, timezone-aware recurrence definition. Anchor is the
// start of the template occurrence and acts as the pattern's DTSTART.
type Series struct {
	ID          int64  `json:"id"`
	ULID        string `json:"ulid"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// TimeZone is an IANA zone name; empty means UTC.
	TimeZone   string          `json:"time_zone"`
	Anchor     time.Time       `json:"anchor"`
	Rule       recurrence.Rule `json:"recurrence_rule"`
	Exceptions []string        `json:"recurrence_exceptions,omitempty"`

	TemplateOccurrenceID *int64 `json:"template_occurrence_id,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OccurrenceType describes where an occurrence takes place.
type OccurrenceType string

const (
	TypeInPerson OccurrenceType = "in-person"
	TypeOnline   OccurrenceType = "online"
	TypeHybrid   OccurrenceType = "hybrid"
)

// Occurrence is a persisted event record. Standalone events and occurrences
// detached from a deleted series have a nil SeriesID.
type Occurrence struct {
	ID   int64  `json:"id"`
	ULID string `json:"ulid"`

	SeriesID *int64 `json:"series_id,omitempty"`
	// CanonicalDate is the occurrence's slot in the series pattern; it does
	// not move when StartDate is edited.
	CanonicalDate *time.Time `json:"canonical_date,omitempty"`
	Materialized  bool       `json:"materialized"`

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Type            OccurrenceType `json:"type,omitempty"`
	Location        string         `json:"location,omitempty"`
	OnlineLocation  string         `json:"online_location,omitempty"`
	MaxAttendees    int            `json:"max_attendees,omitempty"`
	RequireApproval bool           `json:"require_approval"`
	Categories      []string       `json:"categories,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Template is the authorable content cloned into every new materialization.
type Template struct {
	Name            string
	Description     string
	StartDate       time.Time
	EndDate         time.Time
	Type            OccurrenceType
	Location        string
	OnlineLocation  string
	MaxAttendees    int
	RequireApproval bool
	Categories      []string
}

// Duration is the template's length; negative spans are treated as zero.
func (t Template) Duration() time.Duration {
	if d := t.EndDate.Sub(t.StartDate); d > 0 {
		return d
	}
	return 0
}

// TemplateOf extracts the authorable fields of an occurrence.
func TemplateOf(o Occurrence) Template {
	return Template{
		Name:            o.Name,
		Description:     o.Description,
		StartDate:       o.StartDate,
		EndDate:         o.EndDate,
		Type:            o.Type,
		Location:        o.Location,
		OnlineLocation:  o.OnlineLocation,
		MaxAttendees:    o.MaxAttendees,
		RequireApproval: o.RequireApproval,
		Categories:      append([]string(nil), o.Categories...),
	}
}

// OccurrencePatch is a partial edit; nil fields are left untouched.
type OccurrencePatch struct {
	Name            *string         `json:"name,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Type            *OccurrenceType `json:"type,omitempty"`
	Location        *string         `json:"location,omitempty"`
	OnlineLocation  *string         `json:"online_location,omitempty"`
	MaxAttendees    *int            `json:"max_attendees,omitempty"`
	RequireApproval *bool           `json:"require_approval,omitempty"`
	Categories      *[]string       `json:"categories,omitempty"`
	UpdatedBy       string          `json:"-"`
}

// IsEmpty reports whether the patch changes nothing.
func (p OccurrencePatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Type == nil && p.Location == nil &&
		p.OnlineLocation == nil && p.MaxAttendees == nil && p.RequireApproval == nil && p.Categories == nil
}

// Apply copies the set fields of p onto o.
func (p OccurrencePatch) Apply(o *Occurrence) {
	if p.Name != nil {
		o.Name = *p.Name
	}
	if p.Description != nil {
		o.Description = *p.Description
	}
	if p.Type != nil {
		o.Type = *p.Type
	}
	if p.Location != nil {
		o.Location = *p.Location
	}
	if p.OnlineLocation != nil {
		o.OnlineLocation = *p.OnlineLocation
	}
	if p.MaxAttendees != nil {
		o.MaxAttendees = *p.MaxAttendees
	}
	if p.RequireApproval != nil {
		o.RequireApproval = *p.RequireApproval
	}
	if p.Categories != nil {
		o.Categories = append([]string(nil), (*p.Categories)...)
	}
	if p.UpdatedBy != "" {
		o.UpdatedBy = p.UpdatedBy
	}
}

// UpcomingEntry is one slot of a series listing. Virtual entries have no
// Occurrence.
type UpcomingEntry struct {
	Date         time.Time   `json:"date"`
	Materialized bool        `json:"materialized"`
	Occurrence   *Occurrence `json:"occurrence,omitempty"`
}
