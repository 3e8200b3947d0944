// Package pion implements the media engine behind the lifecycle
// manager: each routing context is a router that owns per-participant
// WebRTC peer connections and fans RTP out between them.
package pion

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/domain"
	"github.com/avask/conclave/internal/media"
)

type Engine struct {
	cfg webrtc.Configuration
}

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewEngine(cfg webrtc.Configuration) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) CreateRouter(ctx context.Context, roomID domain.RoomID) (media.Router, error) {
	ctx, cancel := context.WithCancel(ctx)
	return &Router{
		cfg:        e.cfg,
		roomID:     roomID,
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[domain.ParticipantID]*Transport),
		fanouts:    make(map[domain.ParticipantID]*fanout),
	}, nil
}

// Router is the per-room routing context. It owns the peer connections
// of every participant in the room and one fanout per speaking source.
type Router struct {
	cfg    webrtc.Configuration
	roomID domain.RoomID
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	transports map[domain.ParticipantID]*Transport
	fanouts    map[domain.ParticipantID]*fanout
	closed     bool
}

func (r *Router) CreateTransport(pid domain.ParticipantID) (media.Transport, error) {
	pc, err := webrtc.NewPeerConnection(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	tr := &Transport{pc: pc, pid: pid, router: r}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "media.pion").
			Str("room", string(r.roomID)).
			Str("participant", string(pid)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track received")
		r.onSourceTrack(pid, track)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().
			Str("module", "media.pion").
			Str("room", string(r.roomID)).
			Str("participant", string(pid)).
			Str("ice_state", s.String()).
			Msg("ICE state")
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = pc.Close()
		return nil, fmt.Errorf("router for %s is closed", r.roomID)
	}
	r.transports[pid] = tr
	existing := make(map[domain.ParticipantID]*fanout, len(r.fanouts))
	for src, f := range r.fanouts {
		existing[src] = f
	}
	r.mu.Unlock()

	// Late joiner: subscribe the new transport to every live source.
	for src, f := range existing {
		if src == pid {
			continue
		}
		r.subscribe(f, src, tr)
	}
	return tr, nil
}

// onSourceTrack starts a fanout for the participant's track and wires
// every other transport in the room as a subscriber.
func (r *Router) onSourceTrack(src domain.ParticipantID, track *webrtc.TrackRemote) {
	logger := log.With().
		Str("module", "media.pion").
		Str("room", string(r.roomID)).
		Str("src", string(src)).
		Logger()

	fanCtx, cancel := context.WithCancel(r.ctx)
	f := newFanout(track, cancel)

	r.mu.Lock()
	if old, ok := r.fanouts[src]; ok {
		logger.Info().Msg("replacing existing fanout for source")
		old.stop()
	}
	r.fanouts[src] = f
	subs := make(map[domain.ParticipantID]*Transport, len(r.transports))
	for pid, tr := range r.transports {
		if pid != src {
			subs[pid] = tr
		}
	}
	r.mu.Unlock()

	go f.loop(fanCtx, &logger)

	for _, tr := range subs {
		r.subscribe(f, src, tr)
	}
}

// subscribe attaches an out track mirroring the source to dst's peer
// connection.
func (r *Router) subscribe(f *fanout, src domain.ParticipantID, dst *Transport) {
	local, err := webrtc.NewTrackLocalStaticRTP(f.src.Codec().RTPCodecCapability, f.src.ID(), f.src.StreamID())
	if err != nil {
		log.Error().Err(err).
			Str("module", "media.pion").
			Str("room", string(r.roomID)).
			Str("src", string(src)).
			Str("dst", string(dst.pid)).
			Msg("new local track")
		return
	}
	if _, err := dst.pc.AddTrack(local); err != nil {
		log.Error().Err(err).
			Str("module", "media.pion").
			Str("room", string(r.roomID)).
			Str("src", string(src)).
			Str("dst", string(dst.pid)).
			Msg("add track")
		return
	}
	f.addSink(dst.pid, local)
}

// release drops pid as both subscriber and source. Called by the
// transport on Close.
func (r *Router) release(pid domain.ParticipantID) {
	r.mu.Lock()
	delete(r.transports, pid)
	f, hadFanout := r.fanouts[pid]
	if hadFanout {
		delete(r.fanouts, pid)
	}
	others := make([]*fanout, 0, len(r.fanouts))
	for _, of := range r.fanouts {
		others = append(others, of)
	}
	r.mu.Unlock()

	if hadFanout {
		f.stop()
	}
	for _, of := range others {
		of.dropSink(pid)
	}
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, tr := range r.transports {
		transports = append(transports, tr)
	}
	fanouts := make([]*fanout, 0, len(r.fanouts))
	for _, f := range r.fanouts {
		fanouts = append(fanouts, f)
	}
	r.transports = make(map[domain.ParticipantID]*Transport)
	r.fanouts = make(map[domain.ParticipantID]*fanout)
	r.mu.Unlock()

	for _, f := range fanouts {
		f.stop()
	}
	for _, tr := range transports {
		_ = tr.closePC()
	}
	r.cancel()
	log.Info().Str("module", "media.pion").Str("room", string(r.roomID)).Msg("router closed")
	return nil
}
