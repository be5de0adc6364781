package postgres

import (
	"fmt"
	"math"
	"time"

	"github.com/bardlex/gompay/internal/pplns"
)

// shareRow is one row of the share window query. Difficulty is stored as
// double precision by the share processor.
type shareRow struct {
	Address     string
	Worker      *string
	Difficulty  float64
	SubmittedAt time.Time
}

// toShare converts a row. Difficulties are rounded to whole units; negative,
// NaN and out-of-range values are rejected.
func (r shareRow) toShare() (pplns.Share, error) {
	d := r.Difficulty
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 || d >= math.MaxUint64 {
		return pplns.Share{}, fmt.Errorf("share of %s has invalid difficulty %v", r.Address, d)
	}
	s := pplns.Share{
		Address:    r.Address,
		Difficulty: uint64(math.Round(d)),
		Timestamp:  r.SubmittedAt.UTC(),
	}
	if r.Worker != nil {
		s.Worker = *r.Worker
	}
	return s, nil
}

// bigint converts satoshis to a BIGINT column value.
func bigint(v uint64, column string) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%s %d does not fit in BIGINT", column, v)
	}
	return int64(v), nil
}
