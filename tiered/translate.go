package tiered

import (
	"fmt"
	"time"

	"github.com/ecologicaleaving/startapp-sub002/model"
	"github.com/ecologicaleaving/startapp-sub002/pkg/timestamp"
)

// Predicate is a mirror query condition.
type Predicate = model.Predicate

// RecentWindow is how far before and after today recentOnly reaches.
const RecentWindow = 1 // months

// TranslateFilters turns filter options into mirror predicates combined
// with AND. Absent keys and false booleans add nothing, and TypeAll adds
// no type restriction.
func TranslateFilters(f *model.FilterOptions, now time.Time) []Predicate {
	if f == nil {
		return nil
	}
	var preds []Predicate

	if f.CurrentlyActive != nil && *f.CurrentlyActive {
		preds = append(preds, Predicate{Column: model.ColumnStatus, Op: model.OpEq, Value: string(model.StatusRunning)})
	}
	if f.Year != nil {
		preds = append(preds,
			Predicate{Column: model.ColumnStartDate, Op: model.OpGte, Value: fmt.Sprintf("%04d-01-01", *f.Year)},
			Predicate{Column: model.ColumnStartDate, Op: model.OpLte, Value: fmt.Sprintf("%04d-12-31", *f.Year)},
		)
	}
	if f.TournamentType != nil && *f.TournamentType != model.TypeAll {
		preds = append(preds, Predicate{Column: model.ColumnType, Op: model.OpEq, Value: string(*f.TournamentType)})
	}
	if f.RecentOnly != nil && *f.RecentOnly {
		preds = append(preds,
			Predicate{Column: model.ColumnStartDate, Op: model.OpGte, Value: timestamp.FormatDate(now.AddDate(0, -RecentWindow, 0))},
			Predicate{Column: model.ColumnStartDate, Op: model.OpLte, Value: timestamp.FormatDate(now.AddDate(0, RecentWindow, 0))},
		)
	}
	return preds
}
