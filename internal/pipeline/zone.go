package pipeline

import (
	"sync"
	"time"

	"argos/internal/config"
	"argos/internal/frame"
)

// Zone tracks which objects stand inside a named polygon. Membership is
// tested against the box's bottom centre, the point where a person or car
// touches the ground, so an object leaning into the frame above a zone does
// not count.
type Zone struct {
	name    string
	polygon frame.Polygon
	filters map[string]config.LabelFilter

	mu       sync.Mutex
	occupied bool
	objects  []frame.DetectedObject
}

// ZoneEvent is published on a zone's topic when it transitions between empty
// and occupied.
type ZoneEvent struct {
	Camera   string
	Zone     string
	Occupied bool
	Objects  []frame.DetectedObject
	Time     time.Time
}

// NewZone builds a zone from configuration. Filters are normalized once so
// unset max bounds never reject.
func NewZone(cfg config.Zone) *Zone {
	filters := make(map[string]config.LabelFilter, len(cfg.LabelFilters))
	for label, f := range cfg.LabelFilters {
		filters[label] = f.Normalized()
	}
	return &Zone{
		name:    cfg.Name,
		polygon: cfg.Points,
		filters: filters,
	}
}

// Name returns the configured zone name.
func (z *Zone) Name() string { return z.name }

// Update replaces the zone's object set from one detection result and
// reports whether occupancy flipped. The zone applies its own label filters;
// a zone without filters accepts any object already marked relevant.
func (z *Zone) Update(objects []frame.DetectedObject, width, height int) (changed bool, inZone []frame.DetectedObject) {
	for _, o := range objects {
		if !z.accepts(o, width, height) {
			continue
		}
		if z.polygon.ContainsPoint(o.BottomCenter(width, height)) {
			inZone = append(inZone, o)
		}
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	occupied := len(inZone) > 0
	changed = occupied != z.occupied
	z.occupied = occupied
	z.objects = inZone
	return changed, inZone
}

func (z *Zone) accepts(o frame.DetectedObject, width, height int) bool {
	if len(z.filters) == 0 {
		return o.Relevant
	}
	f, ok := z.filters[o.Label]
	if !ok {
		return false
	}
	return filterHit(o, f, width, height) == ""
}

// Occupied reports whether any accepted object currently stands in the zone.
func (z *Zone) Occupied() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.occupied
}

// Objects returns a copy of the objects currently in the zone.
func (z *Zone) Objects() []frame.DetectedObject {
	z.mu.Lock()
	defer z.mu.Unlock()
	out := make([]frame.DetectedObject, len(z.objects))
	copy(out, z.objects)
	return out
}
