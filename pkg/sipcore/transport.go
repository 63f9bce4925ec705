package sipcore

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// TransportSupervisor owns the signaling transports: at most one bound transport per kind.
type TransportSupervisor struct {
	engine  Engine
	metrics *metrics
	logger  Logger

	mu      sync.Mutex
	cfg     TransportConfig
	ids     TransportIDs
	started bool

	// everBound holds the kinds that were bound at least once
	everBound map[TransportKind]bool
}

func newTransportSupervisor(engine Engine, m *metrics, logger Logger) *TransportSupervisor {
	return &TransportSupervisor{
		engine:    engine,
		metrics:   m,
		logger:    logger,
		ids:       unboundTransportIDs(),
		everBound: make(map[TransportKind]bool),
	}
}

// Start creates every transport kind present in cfg. Kinds are created independently: a
// failed kind is reported in the Failures of the result and left unbound. If a kind marked
// Required fails, every transport created by this call is destroyed and the combined
// error is returned.
func (s *TransportSupervisor) Start(cfg TransportConfig) (TransportIDs, error) {
	if err := cfg.validate(); err != nil {
		return unboundTransportIDs(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return s.ids, fmt.Errorf("%w: transports already started", ErrAlreadyStarted)
	}

	ids, err := s.createAll(cfg)
	if err != nil {
		for _, k := range transportKinds {
			if id := ids.Get(k); id != TransportUnbound {
				s.destroy(k, id)
			}
		}
		return unboundTransportIDs(), err
	}

	s.cfg = cfg
	s.ids = ids
	s.started = true
	for _, k := range transportKinds {
		if ids.Get(k) != TransportUnbound {
			s.everBound[k] = true
		}
	}
	return copyIDs(ids), nil
}

// createAll creates the configured kinds. The error is non-nil only if a required kind failed.
func (s *TransportSupervisor) createAll(cfg TransportConfig) (TransportIDs, error) {
	ids := unboundTransportIDs()
	var requiredErr error
	for _, k := range transportKinds {
		kc := cfg.kind(k)
		if kc == nil {
			continue
		}
		id, err := s.engine.CreateTransport(k, *kc)
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, k, err)
			s.metrics.transportFailed.WithLabelValues(string(k)).Inc()
			s.logger.Warnf("failed to create %s transport on port %d: %s", k, kc.Port, err)
			if ids.Failures == nil {
				ids.Failures = make(map[TransportKind]error)
			}
			ids.Failures[k] = err
			if kc.Required {
				requiredErr = multierr.Append(requiredErr, err)
			}
			continue
		}
		s.logger.Infof("%s transport %d created on port %d", k, id, kc.Port)
		ids.set(k, id)
	}
	return ids, requiredErr
}

// RebindAll destroys and recreates every configured transport kind with its original
// configuration. A kind that cannot be recreated becomes unbound; the returned error
// combines the failures of all kinds. Kinds that never bound since Start are left alone
// and keep their Start failure. Accounts and calls are not touched.
func (s *TransportSupervisor) RebindAll() (TransportIDs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return s.ids, ErrNotStarted
	}

	var errs error
	next := unboundTransportIDs()
	for _, k := range transportKinds {
		kc := s.cfg.kind(k)
		if kc == nil {
			continue
		}
		if !s.everBound[k] {
			if err, ok := s.ids.Failures[k]; ok {
				if next.Failures == nil {
					next.Failures = make(map[TransportKind]error)
				}
				next.Failures[k] = err
			}
			continue
		}
		if old := s.ids.Get(k); old != TransportUnbound {
			s.destroy(k, old)
		}
		id, err := s.engine.CreateTransport(k, *kc)
		if err != nil {
			err = fmt.Errorf("%w: rebind %s: %w", ErrTransportUnavailable, k, err)
			s.metrics.transportFailed.WithLabelValues(string(k)).Inc()
			s.logger.Warnf("%s transport left unbound after network change: %s", k, err)
			if next.Failures == nil {
				next.Failures = make(map[TransportKind]error)
			}
			next.Failures[k] = err
			errs = multierr.Append(errs, err)
			continue
		}
		s.logger.Infof("%s transport rebound as %d", k, id)
		next.set(k, id)
	}
	s.ids = next
	return copyIDs(next), errs
}

func (s *TransportSupervisor) destroy(k TransportKind, id TransportID) {
	if err := s.engine.DestroyTransport(id); err != nil {
		s.logger.Warnf("failed to destroy %s transport %d: %s", k, id, err)
	}
}

// Bound returns the currently bound transport ids.
func (s *TransportSupervisor) Bound() TransportIDs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyIDs(s.ids)
}

// Resolve returns the id bound for kind, or ErrTransportUnavailable.
func (s *TransportSupervisor) Resolve(k TransportKind) (TransportID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids.Get(k)
	if id == TransportUnbound {
		return TransportUnbound, fmt.Errorf("%w: %s", ErrTransportUnavailable, k)
	}
	return id, nil
}

// Stop destroys every bound transport.
func (s *TransportSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range transportKinds {
		if id := s.ids.Get(k); id != TransportUnbound {
			s.destroy(k, id)
		}
	}
	s.ids = unboundTransportIDs()
	s.started = false
}

func copyIDs(ids TransportIDs) TransportIDs {
	out := ids
	if ids.Failures != nil {
		out.Failures = make(map[TransportKind]error, len(ids.Failures))
		for k, v := range ids.Failures {
			out.Failures[k] = v
		}
	}
	return out
}
