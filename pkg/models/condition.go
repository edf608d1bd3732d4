package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConditionClause is one {field, operator, value} check against a contact
// snapshot. Clauses on a step are AND-combined.
type ConditionClause struct {
	Field    string `json:"field"    validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value"`
}

// Condition fields understood by the evaluator.
const (
	ConditionFieldStatus          = "status"
	ConditionFieldTag             = "tag"
	ConditionFieldEngagementScore = "engagement_score"
	ConditionFieldLastOpenedAt    = "last_opened_at"
	ConditionFieldCreatedAt       = "created_at"
)

// Condition operators.
const (
	OperatorEquals      = "equals"
	OperatorNotEquals   = "not_equals"
	OperatorHas         = "has"
	OperatorDoesNotHave = "does_not_have"
	OperatorGreaterThan = "greater_than"
	OperatorLessThan    = "less_than"
	OperatorAfter       = "after"
	OperatorBefore      = "before"
	OperatorOn          = "on"
)

// EvaluateConditions checks every clause against the contact snapshot and
// returns true only when all hold. An empty clause list is true. An unknown
// field evaluates to true, so automations keep running when the surrounding
// application adds contact attributes the engine does not know about. An
// unknown operator on a known field evaluates to false.
func EvaluateConditions(contact *ContactSnapshot, clauses []ConditionClause, now time.Time) bool {
	for _, clause := range clauses {
		if !evaluateClause(contact, clause, now) {
			return false
		}
	}

	return true
}

func evaluateClause(contact *ContactSnapshot, clause ConditionClause, now time.Time) bool {
	switch clause.Field {
	case ConditionFieldStatus:
		return evaluateStatus(contact.Status, clause)
	case ConditionFieldTag:
		return evaluateTag(contact, clause)
	case ConditionFieldEngagementScore:
		return evaluateScore(contact.EngagementScore, clause)
	case ConditionFieldLastOpenedAt:
		return evaluateTimestamp(contact.LastOpenedAt, clause, now)
	case ConditionFieldCreatedAt:
		created := contact.CreatedAt

		return evaluateTimestamp(&created, clause, now)
	default:
		return true
	}
}

func evaluateStatus(status ContactStatus, clause ConditionClause) bool {
	want := toString(clause.Value)

	switch clause.Operator {
	case OperatorEquals:
		return string(status) == want
	case OperatorNotEquals:
		return string(status) != want
	default:
		return false
	}
}

func evaluateTag(contact *ContactSnapshot, clause ConditionClause) bool {
	tag := toString(clause.Value)

	switch clause.Operator {
	case OperatorHas:
		return contact.HasTag(tag)
	case OperatorDoesNotHave:
		return !contact.HasTag(tag)
	default:
		return false
	}
}

func evaluateScore(score float64, clause ConditionClause) bool {
	want, ok := toFloat(clause.Value)
	if !ok {
		return false
	}

	switch clause.Operator {
	case OperatorGreaterThan:
		return score > want
	case OperatorLessThan:
		return score < want
	case OperatorEquals:
		return score == want
	default:
		return false
	}
}

func evaluateTimestamp(ts *time.Time, clause ConditionClause, now time.Time) bool {
	ref, ok := parseDateValue(toString(clause.Value), now)
	if !ok {
		return false
	}

	if ts == nil {
		return false
	}

	switch clause.Operator {
	case OperatorAfter:
		return ts.After(ref)
	case OperatorBefore:
		return ts.Before(ref)
	case OperatorOn:
		y1, m1, d1 := ts.UTC().Date()
		y2, m2, d2 := ref.UTC().Date()

		return y1 == y2 && m1 == m2 && d1 == d2
	default:
		return false
	}
}

// parseDateValue accepts a literal date ("2006-01-02" or RFC3339), "today",
// "yesterday", or "<N>_days_ago".
func parseDateValue(value string, now time.Time) (time.Time, bool) {
	switch value {
	case "today":
		return startOfDay(now), true
	case "yesterday":
		return startOfDay(now.AddDate(0, 0, -1)), true
	}

	if days, found := strings.CutSuffix(value, "_days_ago"); found {
		n, err := strconv.Atoi(days)
		if err != nil {
			return time.Time{}, false
		}

		return startOfDay(now.AddDate(0, 0, -n)), true
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}

	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, true
	}

	return time.Time{}, false
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()

	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}
