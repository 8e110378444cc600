package coordinator

import (
	"math/rand"
	"time"
)

// skipIDZone pins skip ids to IST so they sort consistently with the
// operational timezone of the source data.
var skipIDZone = mustLoadZone("Asia/Kolkata")

func mustLoadZone(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSkipID builds a SKIP-YYYYMMDD-HHMMSS-xx identifier for runs that finish
// without persisting any work, so they never consume a sequenced run number.
func NewSkipID(now time.Time) string {
	suffix := []byte{
		base36[rand.Intn(len(base36))],
		base36[rand.Intn(len(base36))],
	}
	return "SKIP-" + now.In(skipIDZone).Format("20060102-150405") + "-" + string(suffix)
}
