package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Ring/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// negotiator wraps one PeerConnection for one remote leg. The core
// never sees Pion types, only the marshalled descriptions.
type negotiator struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID

	mu     sync.Mutex
	onCand func(json.RawMessage)
}

func (n *negotiator) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(n.pc.LocalDescription())
}

func (n *negotiator) CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(n.pc.LocalDescription())
}

func (n *negotiator) ApplyAnswer(ctx context.Context, answer json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(answer, &remote); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (n *negotiator) AddCandidate(cand json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(cand, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (n *negotiator) OnCandidate(fn func(json.RawMessage)) {
	n.mu.Lock()
	n.onCand = fn
	n.mu.Unlock()
}

func (n *negotiator) fireCandidate(init webrtc.ICECandidateInit) {
	n.mu.Lock()
	fn := n.onCand
	n.mu.Unlock()
	if fn == nil {
		return
	}
	blob, err := json.Marshal(init)
	if err != nil {
		log.Warn().Str("module", "rtc").Err(err).Msg("encode candidate")
		return
	}
	fn(blob)
}

func (n *negotiator) Close() {
	if err := n.pc.Close(); err != nil {
		log.Warn().Str("module", "rtc").Str("remote", string(n.remote)).Err(err).Msg("peer connection close")
	}
}
