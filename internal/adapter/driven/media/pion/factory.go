package pion

import (
	"context"
	"fmt"

	"github.com/Wyydra/mesh/internal/core/domain"
	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Factory builds one PeerConnection per remote participant from a shared API.
type Factory struct {
	api  *webrtc.API
	conf webrtc.Configuration
	log  zerolog.Logger
}

func NewFactory(iceServers []string, log zerolog.Logger) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: newLogFactory(log)}

	conf := webrtc.Configuration{ICEServers: []webrtc.ICEServer{}}
	if len(iceServers) > 0 {
		conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{URLs: iceServers})
	}

	return &Factory{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		conf: conf,
		log:  log,
	}, nil
}

func (f *Factory) NewTransport(_ context.Context, remote domain.ParticipantID) (port.MediaTransport, error) {
	t, err := newTransport(f.newPeerConnection, f.log.With().Str("remote", remote.String()).Logger())
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (f *Factory) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return pc, nil
}
