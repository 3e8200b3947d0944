package pion

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/avask/conclave/internal/domain"
)

// sink is one subscriber's outgoing leg of a fanout. Once dead it is
// never revived; the next forward pass prunes it.
type sink struct {
	track *webrtc.TrackLocalStaticRTP
	dead  atomic.Bool
}

func (s *sink) markDead()   { s.dead.Store(true) }
func (s *sink) alive() bool { return !s.dead.Load() }

// fanout reads RTP from one participant's source track and forwards
// each packet to every live sink in the room.
type fanout struct {
	src *webrtc.TrackRemote

	mu    sync.RWMutex
	sinks map[domain.ParticipantID]*sink

	cancel context.CancelFunc
}

func newFanout(src *webrtc.TrackRemote, cancel context.CancelFunc) *fanout {
	return &fanout{
		src:    src,
		sinks:  make(map[domain.ParticipantID]*sink),
		cancel: cancel,
	}
}

func (f *fanout) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("fanout stopped")
			f.killAll()
			return
		default:
		}
		pkt, _, err := f.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("fanout read RTP error, stopping")
			f.killAll()
			return
		}
		f.forward(pkt, logger)
	}
}

func (f *fanout) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := make(map[domain.ParticipantID]*sink, len(f.sinks))
	for dst, s := range f.sinks {
		snapshot[dst] = s
	}
	f.mu.RUnlock()

	var dirty []domain.ParticipantID
	for dst, s := range snapshot {
		if !s.alive() {
			dirty = append(dirty, dst)
			continue
		}
		if err := s.track.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Str("dst", string(dst)).Msg("fanout write RTP error, dropping sink")
			s.markDead()
			dirty = append(dirty, dst)
		}
	}

	// Pruning happens outside the read lock.
	if len(dirty) > 0 {
		f.mu.Lock()
		for _, dst := range dirty {
			delete(f.sinks, dst)
		}
		f.mu.Unlock()
	}
}

func (f *fanout) addSink(dst domain.ParticipantID, track *webrtc.TrackLocalStaticRTP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[dst] = &sink{track: track}
}

// dropSink marks the subscriber's leg dead; the forward loop prunes it.
func (f *fanout) dropSink(dst domain.ParticipantID) {
	f.mu.RLock()
	s, ok := f.sinks[dst]
	f.mu.RUnlock()
	if ok {
		s.markDead()
	}
}

// sinkCount is a snapshot for tests and metrics.
func (f *fanout) sinkCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

func (f *fanout) killAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sinks {
		s.markDead()
	}
}

func (f *fanout) stop() {
	f.killAll()
	if f.cancel != nil {
		f.cancel()
	}
}
