// Package model defines the tournament records and filter options shared by
// every cache tier, the origin client and the realtime pipeline.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ecologicaleaving/startapp-sub002/errors"
)

// TournamentType is the closed set of tournament circuits.
type TournamentType string

// Tournament circuits. TypeAll means no type restriction.
const (
	TypeFIVB  TournamentType = "FIVB"
	TypeCEV   TournamentType = "CEV"
	TypeBPT   TournamentType = "BPT"
	TypeLocal TournamentType = "LOCAL"
	TypeAll   TournamentType = "ALL"
)

// ParseTournamentType parses a case-insensitive circuit name.
func ParseTournamentType(s string) (TournamentType, error) {
	switch t := TournamentType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeFIVB, TypeCEV, TypeBPT, TypeLocal, TypeAll:
		return t, nil
	default:
		return "", errors.WrapInvalid(fmt.Errorf("%w: tournament type %q", errors.ErrInvalidFilter, s),
			"model", "ParseTournamentType", "parse tournament type")
	}
}

// TournamentStatus is the closed set of row statuses for tournaments and matches.
type TournamentStatus string

// Row statuses. StatusRunning is the "in progress" value.
const (
	StatusScheduled TournamentStatus = "scheduled"
	StatusRunning   TournamentStatus = "running"
	StatusFinished  TournamentStatus = "finished"
	StatusCancelled TournamentStatus = "cancelled"
	StatusPostponed TournamentStatus = "postponed"
)

// Source identifies the tier that supplied a result.
type Source string

// Tiers, cheapest first.
const (
	SourceMemory   Source = "memory"
	SourceStorage  Source = "storage"
	SourceDatabase Source = "database"
	SourceAPI      Source = "api"
)

// Tournament is the record returned by every tier.
type Tournament struct {
	No        string           `json:"no" db:"no"`
	Code      string           `json:"code" db:"code"`
	Name      string           `json:"name" db:"name"`
	Type      TournamentType   `json:"type" db:"type"`
	Status    TournamentStatus `json:"status" db:"status"`
	StartDate string           `json:"startDate" db:"start_date"`
	EndDate   string           `json:"endDate" db:"end_date"`
	City      string           `json:"city,omitempty" db:"city"`
	Country   string           `json:"country,omitempty" db:"country"`
}

// Match is a scheduled match within a tournament.
type Match struct {
	No           string           `json:"no" db:"no"`
	TournamentNo string           `json:"tournamentNo" db:"tournament_no"`
	LocalDate    string           `json:"localDate" db:"local_date"`
	LocalTime    string           `json:"localTime" db:"local_time"`
	Court        string           `json:"court" db:"court"`
	Status       TournamentStatus `json:"status" db:"status"`
}

// CacheEntry is a result held by the memory tier.
type CacheEntry struct {
	Key       string       `json:"key"`
	Payload   []Tournament `json:"payload"`
	Tier      Source       `json:"tier"`
	FetchedAt time.Time    `json:"fetchedAt"`
}

// Contains reports whether the entry holds the given tournament.
func (e CacheEntry) Contains(tournamentNo string) bool {
	for _, t := range e.Payload {
		if t.No == tournamentNo {
			return true
		}
	}
	return false
}
