package series

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"eventseries/internal/model"
	"eventseries/internal/recurrence"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRequest wraps struct-level validation failures of create and
// update requests. Rule problems wrap recurrence.ErrInvalidRule instead.
var ErrInvalidRequest = errors.New("invalid series request")

var validate = validator.New()

// CreateRequest describes a new series and the content of its template
// occurrence. StartDate is the anchor of the pattern.
type CreateRequest struct {
	Slug        string          `json:"slug,omitempty" validate:"omitempty,max=120"`
	Name        string          `json:"name" validate:"required,max=200"`
	Description string          `json:"description,omitempty" validate:"max=10000"`
	TimeZone    string          `json:"time_zone,omitempty" validate:"omitempty,timezone"`
	Rule        recurrence.Rule `json:"recurrence_rule"`
	Exceptions  []string        `json:"recurrence_exceptions,omitempty"`

	StartDate       time.Time            `json:"start_date" validate:"required"`
	EndDate         time.Time            `json:"end_date" validate:"required,gtefield=StartDate"`
	Type            model.OccurrenceType `json:"type,omitempty" validate:"omitempty,oneof=in-person online hybrid"`
	Location        string               `json:"location,omitempty" validate:"max=500"`
	OnlineLocation  string               `json:"online_location,omitempty" validate:"omitempty,url"`
	MaxAttendees    int                  `json:"max_attendees,omitempty" validate:"gte=0"`
	RequireApproval bool                 `json:"require_approval,omitempty"`
	Categories      []string             `json:"categories,omitempty" validate:"dive,required"`
}

// Propagation decides whether a series update rewrites already
// materialized occurrences. The zero value is rejected.
type Propagation int

const (
	propagationUnset Propagation = iota
	// PropagateFuture applies the content change to occurrences on or after
	// UpdateRequest.PropagateFrom.
	PropagateFuture
	// PropagateNone changes only the series and its template.
	PropagateNone
)

func (p Propagation) String() string {
	switch p {
	case PropagateFuture:
		return "future"
	case PropagateNone:
		return "none"
	default:
		return "unset"
	}
}

// UpdateRequest is a partial series edit. Nil fields are left untouched.
type UpdateRequest struct {
	Name        *string          `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string          `json:"description,omitempty" validate:"omitempty,max=10000"`
	TimeZone    *string          `json:"time_zone,omitempty" validate:"omitempty,timezone"`
	Rule        *recurrence.Rule `json:"recurrence_rule,omitempty"`
	Exceptions  *[]string        `json:"recurrence_exceptions,omitempty"`

	Type            *model.OccurrenceType `json:"type,omitempty" validate:"omitempty,oneof=in-person online hybrid"`
	Location        *string               `json:"location,omitempty" validate:"omitempty,max=500"`
	OnlineLocation  *string               `json:"online_location,omitempty" validate:"omitempty,url"`
	MaxAttendees    *int                  `json:"max_attendees,omitempty" validate:"omitempty,gte=0"`
	RequireApproval *bool                 `json:"require_approval,omitempty"`
	Categories      *[]string             `json:"categories,omitempty" validate:"omitempty,dive,required"`

	Propagation   Propagation `json:"-"`
	PropagateFrom *time.Time  `json:"propagate_from,omitempty"`
}

// occurrencePatch holds the fields of the update that belong to occurrences.
func (r UpdateRequest) occurrencePatch() model.OccurrencePatch {
	return model.OccurrencePatch{
		Name:            r.Name,
		Description:     r.Description,
		Type:            r.Type,
		Location:        r.Location,
		OnlineLocation:  r.OnlineLocation,
		MaxAttendees:    r.MaxAttendees,
		RequireApproval: r.RequireApproval,
		Categories:      r.Categories,
	}
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(parts, "; "))
}
