package search

import "time"

// SemanticDate renders t as "YYYY-MM-DD (bucket)" where the bucket places
// the date relative to now: today, yesterday, this week, last week,
// this month, older.
func SemanticDate(t, now time.Time) string {
	return t.Format("2006-01-02") + " (" + dateBucket(t, now) + ")"
}

func dateBucket(t, now time.Time) string {
	t = t.Local()
	now = now.Local()

	day := func(x time.Time) time.Time {
		return time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, x.Location())
	}
	td, nd := day(t), day(now)

	switch {
	case td.Equal(nd):
		return "today"
	case td.Equal(nd.AddDate(0, 0, -1)):
		return "yesterday"
	}

	// Weeks start on Monday.
	weekStart := func(x time.Time) time.Time {
		wd := int(x.Weekday())
		if wd == 0 {
			wd = 7
		}
		return day(x).AddDate(0, 0, -(wd - 1))
	}
	thisWeek := weekStart(now)
	switch {
	case !td.Before(thisWeek):
		return "this week"
	case !td.Before(thisWeek.AddDate(0, 0, -7)):
		return "last week"
	case t.Year() == now.Year() && t.Month() == now.Month():
		return "this month"
	default:
		return "older"
	}
}
