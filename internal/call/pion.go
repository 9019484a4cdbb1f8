package call

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/proto"
)

// PionConfig configures PionMedia.
type PionConfig struct {
	ICEServers []string
}

// PionMedia is a Media backed by a pion PeerConnection with receive-only
// transceivers. Local capture is left to the embedding application.
type PionMedia struct {
	callID string
	pc     *webrtc.PeerConnection
}

// NewPionFactory returns a MediaFactory creating PionMedia sessions.
func NewPionFactory(cfg PionConfig) MediaFactory {
	return func(callID string, callType proto.CallType, onCandidate func(proto.ICECandidateInit)) (Media, error) {
		return NewPionMedia(cfg, callID, callType, onCandidate)
	}
}

// NewPionMedia creates the PeerConnection for one call. Voice calls negotiate
// audio only.
func NewPionMedia(cfg PionConfig, callID string, callType proto.CallType, onCandidate func(proto.ICECandidateInit)) (*PionMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a short relay outage does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	addRecvOnlyTransceivers(callID, callType, pc)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || onCandidate == nil {
			return
		}
		init := c.ToJSON()
		out := proto.ICECandidateInit{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		onCandidate(out)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debugf("CALL [%s]: ICE %s", callID, s)
	})

	log.Debugf("CALL [%s]: peer connection ready (%s)", callID, callType)
	return &PionMedia{callID: callID, pc: pc}, nil
}

// addRecvOnlyTransceivers adds recvonly transceivers so CreateOffer/CreateAnswer
// always produce valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(callID string, callType proto.CallType, pc *webrtc.PeerConnection) {
	if callType == proto.CallVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("CALL [%s]: AddTransceiver(video) error: %v", callID, err)
		}
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("CALL [%s]: AddTransceiver(audio) error: %v", callID, err)
	}
}

func (p *PionMedia) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *PionMedia) CreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *PionMedia) SetRemoteAnswer(answerSDP string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *PionMedia) AddICECandidate(c proto.ICECandidateInit) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMLineIndex: &c.SDPMLineIndex}
	if c.SDPMid != "" {
		init.SDPMid = &c.SDPMid
	}
	return p.pc.AddICECandidate(init)
}

func (p *PionMedia) Close() error { return p.pc.Close() }
