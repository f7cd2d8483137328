// Package rtc implements the media boundary with Pion. Offers, answers
// and candidates cross the core as opaque JSON blobs; this package is
// the only place that knows they are SDP and ICE.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Engine struct {
	cfg webrtc.Configuration
}

func DefaultConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
}

func NewEngine(cfg webrtc.Configuration) *Engine {
	return &Engine{cfg: cfg}
}

// captureHandle owns the local outgoing tracks. One handle per active
// session; every negotiator of the session sends from the same tracks,
// so a device switch is a single in-place swap.
type captureHandle struct {
	id string

	mu           sync.Mutex
	audio        *webrtc.TrackLocalStaticRTP
	video        *webrtc.TrackLocalStaticRTP
	videoSenders []*webrtc.RTPSender
}

func (h *captureHandle) ID() string { return h.id }

// Acquire implements core.Media.
func (e *Engine) Acquire(ctx context.Context, c core.Constraints) (core.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &captureHandle{id: uuid.NewString()}
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", h.id)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		h.audio = track
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", h.id)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		h.video = track
	}
	log.Info().Str("module", "rtc").Str("capture", h.id).Bool("audio", c.Audio).Bool("video", c.Video).Msg("capture acquired")
	return h, nil
}

// Release implements core.Media. The tracks are passive; dropping the
// handle is enough, logging keeps teardown observable.
func (e *Engine) Release(h core.MediaHandle) {
	if h == nil {
		return
	}
	log.Info().Str("module", "rtc").Str("capture", h.ID()).Msg("capture released")
}

// ReplaceOutgoingVideo implements core.Media: every connected leg's
// sender switches to the new source without renegotiation.
func (e *Engine) ReplaceOutgoingVideo(mh core.MediaHandle, source string) error {
	h, ok := mh.(*captureHandle)
	if !ok {
		return fmt.Errorf("%w: foreign capture handle", core.ErrMedia)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, source, h.id)
	if err != nil {
		return fmt.Errorf("video track: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sender := range h.videoSenders {
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace track: %w", err)
		}
	}
	h.video = track
	log.Info().Str("module", "rtc").Str("capture", h.id).Str("source", source).Int("senders", len(h.videoSenders)).Msg("outgoing video replaced")
	return nil
}

// NewNegotiator implements core.Media: one PeerConnection per link,
// sending the session's local tracks.
func (e *Engine) NewNegotiator(mh core.MediaHandle, remote domain.UserID) (core.Negotiator, error) {
	h, ok := mh.(*captureHandle)
	if !ok {
		return nil, fmt.Errorf("%w: foreign capture handle", core.ErrMedia)
	}
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	h.mu.Lock()
	if h.audio != nil {
		if _, err := pc.AddTrack(h.audio); err != nil {
			h.mu.Unlock()
			_ = pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
	}
	if h.video != nil {
		sender, err := pc.AddTrack(h.video)
		if err != nil {
			h.mu.Unlock()
			_ = pc.Close()
			return nil, fmt.Errorf("add video track: %w", err)
		}
		h.videoSenders = append(h.videoSenders, sender)
	}
	h.mu.Unlock()

	n := &negotiator{pc: pc, remote: remote}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", string(remote)).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		n.fireCandidate(cand.ToJSON())
	})
	return n, nil
}
