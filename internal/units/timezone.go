package units

import (
	"time"
)

// AppTimezone is the fixed civil timezone for day-run accounting. The logbook
// is a Japanese driver's record, so calendar days are always counted in JST
// regardless of where the device happens to be.
const AppTimezone = "Asia/Tokyo"

var appLocation *time.Location

func init() {
	loc, err := time.LoadLocation(AppTimezone)
	if err != nil {
		// Fall back to a fixed offset when the tz database is unavailable.
		// JST has no DST so the offset is always +09:00.
		loc = time.FixedZone("JST", 9*60*60)
	}
	appLocation = loc
}

// AppLocation returns the fixed civil timezone location.
func AppLocation() *time.Location {
	return appLocation
}

// CivilDate returns the calendar date (YYYY-MM-DD) of t in the app timezone.
func CivilDate(t time.Time) string {
	return t.In(appLocation).Format("2006-01-02")
}
