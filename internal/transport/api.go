package transport

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers is used when no STUN servers are configured. No TURN:
// calls are direct peer-to-peer.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// DefaultPLIInterval is how often a keyframe is requested from the remote
// video sender.
const DefaultPLIInterval = 3 * time.Second

// Config configures the peer connections created by the factory.
type Config struct {
	// STUNServers lists ICE server URLs. Nil selects DefaultSTUNServers; an
	// empty non-nil slice gathers host candidates only.
	STUNServers []string
	PLIInterval time.Duration
	// Sources supplies captured samples for local tracks. Nil selects
	// DefaultSources.
	Sources SourceFactory
}

// newAPI builds a pion API with the default codecs and interceptors plus a
// periodic PLI generator for inbound video.
func newAPI(pliInterval time.Duration) (*webrtc.API, error) {
	if pliInterval <= 0 {
		pliInterval = DefaultPLIInterval
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(pliInterval))
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	registry.Add(pli)

	return webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry)), nil
}

// newPeerConnection creates a PeerConnection on api using the configured
// STUN servers.
func newPeerConnection(api *webrtc.API, stun []string) (*webrtc.PeerConnection, error) {
	if stun == nil {
		stun = DefaultSTUNServers
	}

	config := webrtc.Configuration{}
	if len(stun) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}
	return api.NewPeerConnection(config)
}
