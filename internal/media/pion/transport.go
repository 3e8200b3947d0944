package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/domain"
)

// Transport wraps one participant's peer connection inside a router.
type Transport struct {
	pc     *webrtc.PeerConnection
	pid    domain.ParticipantID
	router *Router
	once   sync.Once
}

// Answer runs the answering side of negotiation: apply the client's
// offer, create an answer and wait for ICE gathering so the answer
// carries every host candidate (no server-side trickle).
func (t *Transport) Answer(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	return local.SDP, nil
}

// AddRemoteCandidate decodes and applies one trickled ICE candidate.
func (t *Transport) AddRemoteCandidate(candidate []byte) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return t.pc.AddICECandidate(ci)
}

func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.router.release(t.pid)
		err = t.closePC()
	})
	return err
}

func (t *Transport) closePC() error {
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).
			Str("module", "media.pion").
			Str("participant", string(t.pid)).
			Msg("peer connection close")
		return err
	}
	return nil
}
