package model

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ecologicaleaving/startapp-sub002/errors"
)

// FilterOptions is an unordered set of optional predicates. A nil field is absent.
type FilterOptions struct {
	RecentOnly      *bool           `json:"recentOnly,omitempty"`
	Year            *int            `json:"year,omitempty"`
	CurrentlyActive *bool           `json:"currentlyActive,omitempty"`
	TournamentType  *TournamentType `json:"tournamentType,omitempty"`
}

// Map returns the set fields keyed by their JSON names. A nil receiver yields nil.
func (f *FilterOptions) Map() map[string]any {
	if f == nil {
		return nil
	}
	m := make(map[string]any, 4)
	if f.RecentOnly != nil {
		m["recentOnly"] = *f.RecentOnly
	}
	if f.Year != nil {
		m["year"] = *f.Year
	}
	if f.CurrentlyActive != nil {
		m["currentlyActive"] = *f.CurrentlyActive
	}
	if f.TournamentType != nil {
		m["tournamentType"] = string(*f.TournamentType)
	}
	return m
}

// IsEmpty reports whether no predicate is set.
func (f *FilterOptions) IsEmpty() bool {
	return f == nil || (f.RecentOnly == nil && f.Year == nil && f.CurrentlyActive == nil && f.TournamentType == nil)
}

// Query renders the set fields as URL query parameters.
func (f *FilterOptions) Query() url.Values {
	q := url.Values{}
	for k, v := range f.Map() {
		q.Set(k, fmt.Sprint(v))
	}
	return q
}

// ParseFilterQuery builds FilterOptions from URL query parameters. Missing and
// empty parameters stay absent.
func ParseFilterQuery(q url.Values) (*FilterOptions, error) {
	f := &FilterOptions{}

	parseBool := func(name string) (*bool, error) {
		raw := q.Get(name)
		if raw == "" {
			return nil, nil
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s=%q", errors.ErrInvalidFilter, name, raw),
				"model", "ParseFilterQuery", "parse boolean")
		}
		return &b, nil
	}

	var err error
	if f.RecentOnly, err = parseBool("recentOnly"); err != nil {
		return nil, err
	}
	if f.CurrentlyActive, err = parseBool("currentlyActive"); err != nil {
		return nil, err
	}
	if raw := q.Get("year"); raw != "" {
		y, convErr := strconv.Atoi(raw)
		if convErr != nil || y < 1900 || y > 9999 {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: year=%q", errors.ErrInvalidFilter, raw),
				"model", "ParseFilterQuery", "parse year")
		}
		f.Year = &y
	}
	if raw := q.Get("tournamentType"); raw != "" {
		tt, ttErr := ParseTournamentType(raw)
		if ttErr != nil {
			return nil, ttErr
		}
		f.TournamentType = &tt
	}
	return f, nil
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Type returns a pointer to t.
func Type(t TournamentType) *TournamentType { return &t }
