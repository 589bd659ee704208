package hostdisk

import (
	"fmt"
	"time"

	times "gopkg.in/djherbis/times.v1"
)

// Provenance reports when an image file was created, modified, and last
// accessed, for cmd/bootdump's diagnostic header. Birth time is only
// populated where the platform and filesystem expose it.
type Provenance struct {
	ModTime    time.Time
	AccessTime time.Time
	BirthTime  time.Time
	HasBirth   bool
}

// Stat reads filesystem timestamps for path without needing the file open.
func Stat(path string) (Provenance, error) {
	t, err := times.Stat(path)
	if err != nil {
		return Provenance{}, fmt.Errorf("hostdisk: stat times for %s: %w", path, err)
	}
	p := Provenance{
		ModTime:    t.ModTime(),
		AccessTime: t.AccessTime(),
		HasBirth:   t.HasBirthTime(),
	}
	if p.HasBirth {
		p.BirthTime = t.BirthTime()
	}
	return p, nil
}
