package sipcore

import (
	"fmt"
	"sort"
	"sync"
)

// Orientations accepted by ChangeOrientation.
const (
	OrientationPortrait           = "portrait"
	OrientationPortraitUpsideDown = "portrait-upside-down"
	OrientationLandscapeLeft      = "landscape-left"
	OrientationLandscapeRight     = "landscape-right"
)

// MaxCodecPriority is the highest codec priority. Priority 0 disables a codec.
const MaxCodecPriority = 255

// MediaController tracks the desired audio route, video orientation and codec priorities
// and applies them through the engine.
type MediaController struct {
	engine  Engine
	emitter *emitter
	logger  Logger

	// applyMu orders route changes so the engine ends up with the last requested route.
	applyMu sync.Mutex

	mu          sync.Mutex
	route       AudioRoute
	orientation string
	codecs      map[string]int
	seq         uint64
}

func newMediaController(engine Engine, em *emitter, logger Logger) *MediaController {
	return &MediaController{
		engine:  engine,
		emitter: em,
		logger:  logger,
		route:   RouteEarpiece,
	}
}

// UseSpeaker routes audio to the loudspeaker.
func (m *MediaController) UseSpeaker() error { return m.setRoute(RouteSpeaker) }

// UseEarpiece routes audio to the earpiece.
func (m *MediaController) UseEarpiece() error { return m.setRoute(RouteEarpiece) }

// setRoute always re-applies the route to the engine, but only a real change updates the
// state and emits audio-route-changed.
func (m *MediaController) setRoute(route AudioRoute) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if err := m.engine.SetAudioRoute(route); err != nil {
		return fmt.Errorf("%w: set audio route %s: %w", ErrEngineFailure, route, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.route == route {
		return nil
	}
	m.route = route
	m.seq++
	m.emitter.post(Event{Kind: EventAudioRouteChanged, Seq: m.seq, Route: route})
	m.logger.Infof("audio route changed to %s", route)
	return nil
}

// Route returns the desired audio route, used for new calls.
func (m *MediaController) Route() AudioRoute {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route
}

// ChangeOrientation forwards the device orientation to the engine for video rendering.
func (m *MediaController) ChangeOrientation(orientation string) error {
	switch orientation {
	case OrientationPortrait, OrientationPortraitUpsideDown, OrientationLandscapeLeft, OrientationLandscapeRight:
	default:
		return fmt.Errorf("%w: unknown orientation %q", ErrConfiguration, orientation)
	}
	if err := m.engine.SetOrientation(orientation); err != nil {
		return fmt.Errorf("%w: set orientation: %w", ErrEngineFailure, err)
	}
	m.mu.Lock()
	m.orientation = orientation
	m.mu.Unlock()
	return nil
}

// Orientation returns the last orientation applied.
func (m *MediaController) Orientation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orientation
}

// ChangeCodecSettings validates the requested priorities against the codecs supported by
// the engine and applies them as a whole. Calls originated afterwards use the new table;
// established calls are not renegotiated.
func (m *MediaController) ChangeCodecSettings(priorities map[string]int) error {
	if len(priorities) == 0 {
		return fmt.Errorf("%w: empty codec settings", ErrConfiguration)
	}
	supported := make(map[string]struct{})
	for _, c := range m.engine.SupportedCodecs() {
		supported[c] = struct{}{}
	}

	var unknown []string
	table := make(map[string]int, len(priorities))
	for codec, prio := range priorities {
		if _, ok := supported[codec]; !ok {
			unknown = append(unknown, codec)
			continue
		}
		if prio < 0 || prio > MaxCodecPriority {
			return fmt.Errorf("%w: codec %s priority %d out of range 0..%d", ErrConfiguration, codec, prio, MaxCodecPriority)
		}
		table[codec] = prio
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unsupported codecs %v", ErrConfiguration, unknown)
	}

	if err := m.engine.SetCodecPriority(table); err != nil {
		return fmt.Errorf("%w: set codec priority: %w", ErrEngineFailure, err)
	}

	m.mu.Lock()
	m.codecs = table
	m.mu.Unlock()
	m.logger.Infof("codec priorities updated: %v", table)
	return nil
}

// CodecSettings returns a copy of the codec priorities last applied.
func (m *MediaController) CodecSettings() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.codecs))
	for k, v := range m.codecs {
		out[k] = v
	}
	return out
}
