package audit

import "time"

// Event categories.
const (
	CategoryPolicy = "policy"
	CategoryData   = "data"
	CategoryUser   = "user"
	CategorySystem = "system"
)

// EventCategory groups an event type for reporting. Unknown types are
// system events.
func EventCategory(eventType string) string {
	switch eventType {
	case EventPolicyChange:
		return CategoryPolicy
	case EventSessionAccess, EventDataExport, EventArchiveAction:
		return CategoryData
	case EventUserLogin:
		return CategoryUser
	default:
		return CategorySystem
	}
}

// RetentionCategoryFor returns extended for high-risk events and for
// policy changes and data exports, standard otherwise.
func RetentionCategoryFor(risk RiskLevel, eventType string) RetentionCategory {
	if risk == RiskHigh || risk == RiskCritical {
		return RetentionExtended
	}
	if eventType == EventPolicyChange || eventType == EventDataExport {
		return RetentionExtended
	}
	return RetentionStandard
}

// RetentionPeriods maps categories to a number of days.
type RetentionPeriods struct {
	StandardDays int
	ExtendedDays int
}

// DefaultRetentionPeriods keeps standard records seven years and
// extended records ten.
func DefaultRetentionPeriods() RetentionPeriods {
	return RetentionPeriods{StandardDays: 2555, ExtendedDays: 3650}
}

// Until returns the retention deadline for a record of category c
// stamped at ts, or nil when the record is kept forever.
func (p RetentionPeriods) Until(c RetentionCategory, ts time.Time) *time.Time {
	var days int
	switch c {
	case RetentionPermanent:
		return nil
	case RetentionExtended:
		days = p.ExtendedDays
	default:
		days = p.StandardDays
	}
	until := ts.AddDate(0, 0, days)
	return &until
}
