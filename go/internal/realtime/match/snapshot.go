package match

import (
	"fmt"
	"time"

	"github.com/mcdev12/mathduel/go/internal/realtime/events"
)

// Snapshot is the authoritative active-match state returned by the rooms API
type Snapshot struct {
	MatchID       string            `json:"match_id"`
	RoundNumber   int               `json:"round_number"`
	TargetNumber  *int              `json:"target_number"`
	OptimalCost   *int              `json:"optimal_cost"`
	Deadline      *events.Timestamp `json:"deadline"`
	CurrentIndex  int               `json:"current_index"`
	TotalProblems int               `json:"total_problems"`
	PlayerOneID   *string           `json:"player_one_id"`
	PlayerTwoID   *string           `json:"player_two_id"`
}

// View is the match-level part of the machine's state
type View struct {
	MatchID       string     `json:"match_id"`
	RoundNumber   int        `json:"round_number"`
	ProblemIndex  int        `json:"problem_index"`
	TotalProblems int        `json:"total_problems"`
	TargetNumber  *int       `json:"target_number"`
	OptimalCost   *int       `json:"optimal_cost"`
	Deadline      *time.Time `json:"deadline"`
}

func viewFromSnapshot(s *Snapshot) *View {
	return &View{
		MatchID:       s.MatchID,
		RoundNumber:   s.RoundNumber,
		ProblemIndex:  s.CurrentIndex,
		TotalProblems: s.TotalProblems,
		TargetNumber:  s.TargetNumber,
		OptimalCost:   s.OptimalCost,
		Deadline:      s.Deadline.TimePtr(),
	}
}

func (v *View) clone() *View {
	if v == nil {
		return nil
	}
	out := *v
	out.TargetNumber = cloneInt(v.TargetNumber)
	out.OptimalCost = cloneInt(v.OptimalCost)
	if v.Deadline != nil {
		d := *v.Deadline
		out.Deadline = &d
	}
	return &out
}

// ProblemLabel renders "3/5" style progress, 1-based
func (v *View) ProblemLabel() string {
	if v == nil || v.TotalProblems == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", v.ProblemIndex+1, v.TotalProblems)
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
