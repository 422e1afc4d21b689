package stream

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// WebRTCHandler serves WebRTC SDP negotiation. Each peer gets an H264
// video track fed from the live encoder and an Opus audio track fed from
// the publisher.
type WebRTCHandler struct {
	video *Broadcaster[media.Sample]
	audio *Broadcaster[media.Sample]

	mu    sync.Mutex
	peers []*peer
}

type peer struct {
	pc     *webrtc.PeerConnection
	tracks []*peerTrack
}

func (p *peer) hangUp() {
	for _, t := range p.tracks {
		t.stop()
	}
	p.pc.Close()
}

// NewWebRTCHandler creates a WebRTC stream handler. Either source may be
// nil, in which case that track is not offered.
func NewWebRTCHandler(video, audio *Broadcaster[media.Sample]) *WebRTCHandler {
	return &WebRTCHandler{
		video: video,
		audio: audio,
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	var tracks []*peerTrack
	if h.video != nil {
		tracks = append(tracks, &peerTrack{kind: "video", mime: webrtc.MimeTypeH264, source: h.video})
	}
	if h.audio != nil {
		tracks = append(tracks, &peerTrack{kind: "audio", mime: webrtc.MimeTypeOpus, source: h.audio})
	}
	for _, t := range tracks {
		t.track, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: t.mime}, t.kind, "facecast")
		if err == nil {
			_, err = pc.AddTrack(t.track)
		}
		if err != nil {
			pc.Close()
			http.Error(w, "add "+t.kind+" track failed", http.StatusInternalServerError)
			return
		}
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(pc)

	pr := &peer{pc: pc, tracks: tracks}
	h.mu.Lock()
	h.peers = append(h.peers, pr)
	h.mu.Unlock()
	log.Printf("WebRTC peer connected (total: %d)", h.PeerCount())

	for _, t := range tracks {
		go t.stream()
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			if h.removePeer(pr) {
				pr.hangUp()
				log.Printf("WebRTC peer disconnected (remaining: %d)", h.PeerCount())
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

// Close hangs up every peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = nil
	h.mu.Unlock()
	for _, p := range peers {
		p.hangUp()
	}
}

// removePeer reports whether pr was still registered.
func (h *WebRTCHandler) removePeer(pr *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == pr {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return true
		}
	}
	return false
}

// peerTrack forwards one broadcaster into one local track.
type peerTrack struct {
	kind   string
	mime   string
	source *Broadcaster[media.Sample]
	track  *webrtc.TrackLocalStaticSample

	once     sync.Once
	listener *Listener[media.Sample]
}

func (t *peerTrack) stream() {
	t.init()
	for {
		select {
		case <-t.listener.Done():
			return
		case s := <-t.listener.C:
			if err := t.track.WriteSample(s); err != nil {
				return
			}
		}
	}
}

func (t *peerTrack) init() {
	t.once.Do(func() {
		t.listener = t.source.Subscribe()
	})
}

func (t *peerTrack) stop() {
	t.init()
	t.source.Unsubscribe(t.listener)
}
