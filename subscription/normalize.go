package subscription

import (
	"fmt"
	"reflect"
	"time"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/model"
	"github.com/ecologicaleaving/startapp-sub002/realtime"
)

// Watched tables and their filter columns.
const (
	TournamentTable  = "tournaments"
	MatchTable       = "matches"
	tournamentColumn = "no"
	matchColumn      = "tournament_no"
)

var (
	tournamentFields = []string{"status", "name", "start_date", "end_date"}
	matchFields      = []string{"local_date", "local_time", "court", "status"}
)

// NormalizeTournament turns a tournament row change into an event. The
// event type follows the status the row moved to.
func NormalizeTournament(p realtime.Payload, now time.Time) (StatusChangeEvent, error) {
	if p.Empty() {
		return StatusChangeEvent{}, errors.WrapInvalid(errors.ErrMalformedPayload, "subscription", "NormalizeTournament", "empty payload")
	}
	row := p.Row()
	no := stringField(row, "no")
	if no == "" {
		return StatusChangeEvent{}, errors.WrapInvalid(errors.ErrMalformedPayload, "subscription", "NormalizeTournament", "missing no")
	}

	changes := diff(p.Old, p.New, tournamentFields)
	eventType, priority := EventInformational, PriorityLow
	if _, moved := changes["status"]; moved {
		eventType, priority = classify(model.TournamentStatus(stringField(p.New, "status")))
	}
	return NewStatusChangeEvent(no, "", eventType, priority, changes, eventTime(p, now)), nil
}

// NormalizeMatch turns a match row change into an event. ok is false when
// none of the tracked fields changed.
func NormalizeMatch(p realtime.Payload, now time.Time) (ev StatusChangeEvent, ok bool, err error) {
	if p.Empty() {
		return StatusChangeEvent{}, false, errors.WrapInvalid(errors.ErrMalformedPayload, "subscription", "NormalizeMatch", "empty payload")
	}
	row := p.Row()
	tournamentNo := stringField(row, matchColumn)
	if tournamentNo == "" {
		return StatusChangeEvent{}, false, errors.WrapInvalid(errors.ErrMalformedPayload, "subscription", "NormalizeMatch", "missing tournament_no")
	}

	changes := diff(p.Old, p.New, matchFields)
	if len(changes) == 0 {
		return StatusChangeEvent{}, false, nil
	}
	eventType, priority := EventInformational, PriorityLow
	if _, moved := changes["status"]; moved {
		eventType, priority = classify(model.TournamentStatus(stringField(p.New, "status")))
	}
	return NewStatusChangeEvent(tournamentNo, stringField(row, "no"), eventType, priority, changes, eventTime(p, now)), true, nil
}

func classify(status model.TournamentStatus) (EventType, Priority) {
	switch status {
	case model.StatusCancelled:
		return EventCritical, PriorityHigh
	case model.StatusFinished:
		return EventCompletion, PriorityNormal
	case model.StatusScheduled, model.StatusRunning, model.StatusPostponed:
		return EventInformational, PriorityLow
	default:
		return EventInformational, PriorityLow
	}
}

// diff reports tracked fields whose values differ. A field missing from
// both rows is unchanged.
func diff(old, new map[string]any, fields []string) map[string]FieldChange {
	changes := make(map[string]FieldChange)
	for _, f := range fields {
		o, hasOld := old[f]
		n, hasNew := new[f]
		if !hasOld && !hasNew {
			continue
		}
		if !reflect.DeepEqual(o, n) {
			changes[f] = FieldChange{Old: o, New: n}
		}
	}
	return changes
}

func stringField(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func eventTime(p realtime.Payload, now time.Time) time.Time {
	if p.CommitTimestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, p.CommitTimestamp); err == nil {
			return ts
		}
	}
	return now
}
