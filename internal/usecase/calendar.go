package usecase

import (
	"fmt"
	"time"

	"FolioPull/internal/domain/models"
)

// dayLayout is the holiday date format.
const dayLayout = "2006-01-02"

// WeekdayCalendar treats Monday to Friday as business days, minus holidays.
type WeekdayCalendar struct {
	holidays map[string]struct{}
}

// NewWeekdayCalendar builds a calendar from holiday dates in YYYY-MM-DD form.
func NewWeekdayCalendar(holidays []string) (*WeekdayCalendar, error) {
	c := &WeekdayCalendar{holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		d, err := time.Parse(dayLayout, h)
		if err != nil {
			return nil, &models.ConfigError{Field: "aggregator.day_boundary.holidays", Reason: fmt.Sprintf("bad date %q", h)}
		}
		c.holidays[d.Format(dayLayout)] = struct{}{}
	}
	return c, nil
}

func (c *WeekdayCalendar) IsBusinessDay(day time.Time) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[day.Format(dayLayout)]
	return !holiday
}

func (c *WeekdayCalendar) LatestBusinessDay(day time.Time) time.Time {
	d := startOfDay(day)
	// a year of consecutive holidays is a configuration error, not a calendar
	for i := 0; i < 366; i++ {
		if c.IsBusinessDay(d) {
			return d
		}
		d = d.AddDate(0, 0, -1)
	}
	return startOfDay(day)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

var _ models.BusinessCalendar = (*WeekdayCalendar)(nil)
