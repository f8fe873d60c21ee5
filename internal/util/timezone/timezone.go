package timezone

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	mu              sync.RWMutex
	currentLocation *time.Location
)

// Initialize sets the zone used for attendance timestamps.
// An empty name or "Local" keeps the host's local zone.
func Initialize(name string) {
	loc := time.Local
	if name != "" && name != "Local" {
		l, err := time.LoadLocation(name)
		if err != nil {
			log.Warnf("Failed to load timezone %s: %v. Falling back to local time.", name, err)
		} else {
			loc = l
		}
	}

	mu.Lock()
	currentLocation = loc
	mu.Unlock()
	log.Infof("Timezone initialized to %s", loc)
}

// Location returns the configured zone
func Location() *time.Location {
	mu.RLock()
	defer mu.RUnlock()
	if currentLocation == nil {
		return time.Local
	}
	return currentLocation
}

// Now returns the current wall clock time in the configured zone
func Now() time.Time {
	return time.Now().In(Location())
}

// Format formats t in the configured zone
func Format(t time.Time, layout string) string {
	return t.In(Location()).Format(layout)
}

// Parse parses a wall clock value in the configured zone
func Parse(layout, value string) (time.Time, error) {
	return time.ParseInLocation(layout, value, Location())
}
