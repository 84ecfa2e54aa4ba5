package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meetlink/internal/media"
)

var (
	errNotConnected  = errors.New("session is not connected")
	errSessionClosed = errors.New("session is closed")
)

const requestTimeout = 5 * time.Second

type joinRoomParams struct {
	Token    string `json:"token"`
	Session  string `json:"session"`
	Platform string `json:"platform"`
	Metadata string `json:"metadata"`
	Secret   string `json:"secret"`
	Recorder bool   `json:"recorder"`
}

type streamInfo struct {
	ID       string `json:"id"`
	HasAudio bool   `json:"hasAudio"`
	HasVideo bool   `json:"hasVideo"`
}

type participantInfo struct {
	ID       string       `json:"id"`
	Metadata string       `json:"metadata"`
	Streams  []streamInfo `json:"streams"`
}

type joinRoomResult struct {
	ID       string            `json:"id"`
	Metadata string            `json:"metadata"`
	Value    []participantInfo `json:"value"`
}

type publishVideoParams struct {
	SDPOffer        string `json:"sdpOffer"`
	DoLoopback      bool   `json:"doLoopback"`
	HasAudio        bool   `json:"hasAudio"`
	HasVideo        bool   `json:"hasVideo"`
	AudioActive     bool   `json:"audioActive"`
	VideoActive     bool   `json:"videoActive"`
	TypeOfVideo     string `json:"typeOfVideo"`
	FrameRate       int    `json:"frameRate"`
	VideoDimensions string `json:"videoDimensions"`
}

type receiveVideoParams struct {
	Sender   string `json:"sender"`
	SDPOffer string `json:"sdpOffer"`
}

type sdpAnswer struct {
	ID        string `json:"id"`
	SDPAnswer string `json:"sdpAnswer"`
}

type iceCandidateParams struct {
	EndpointName  string `json:"endpointName"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type unpublishedParams struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason"`
}

type session struct {
	engine *Engine
	logger zerolog.Logger

	mu           sync.Mutex
	rpc          *rpcClient
	queue        *eventQueue
	connectionID string
	closed       bool
	stop         chan struct{}

	onCreated   func(media.Stream)
	onDestroyed func(media.Stream)
	onException func(error)

	metadata    map[string]string       // connection id -> connection data
	remote      map[string]media.Stream // connection id -> published stream
	endpoints   map[string]*endpoint
	orphans     map[string][]webrtc.ICECandidateInit
	subscribers map[string]*subscriber
	publisher   *publisher
}

func newSession(e *Engine) *session {
	return &session{
		engine:      e,
		logger:      e.logger,
		stop:        make(chan struct{}),
		metadata:    make(map[string]string),
		remote:      make(map[string]media.Stream),
		endpoints:   make(map[string]*endpoint),
		orphans:     make(map[string][]webrtc.ICECandidateInit),
		subscribers: make(map[string]*subscriber),
	}
}

func (s *session) OnStreamCreated(fn func(media.Stream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreated = fn
}

func (s *session) OnStreamDestroyed(fn func(media.Stream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDestroyed = fn
}

func (s *session) OnException(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onException = fn
}

func (s *session) Connect(ctx context.Context, token, data string) error {
	info, err := parseToken(token)
	if err != nil {
		return err
	}

	rpc, err := dialRPC(ctx, s.engine.dialer, info.wsURL, s.logger, s.handleNotification)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rpc.close()
		return errSessionClosed
	}
	s.rpc = rpc
	s.queue = newEventQueue()
	s.mu.Unlock()

	var res joinRoomResult
	err = rpc.call(ctx, "joinRoom", joinRoomParams{
		Token:    token,
		Session:  info.sessionID,
		Platform: s.engine.platform,
		Metadata: data,
	}, &res)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.connectionID = res.ID
	for _, p := range res.Value {
		s.metadata[p.ID] = p.Metadata
		s.announceLocked(p)
	}
	s.mu.Unlock()

	s.logger.Info().Str("session_id", info.sessionID).Str("connection_id", res.ID).Int("participants", len(res.Value)).Msg("joined signaling session")
	go s.keepAlive(rpc)
	return nil
}

func (s *session) client() (*rpcClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	if s.rpc == nil {
		return nil, errNotConnected
	}
	return s.rpc, nil
}

func (s *session) keepAlive(rpc *rpcClient) {
	ticker := time.NewTicker(s.engine.pingInterval)
	defer ticker.Stop()

	first := true
	for {
		select {
		case <-s.stop:
			return
		case <-rpc.disconnected():
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.emit(func() {
					s.exception(errors.Join(media.ErrConnectionLost,
						&media.RuntimeError{Name: "CONNECTION_LOST", Message: "signaling connection dropped"}))
				})
			}
			return
		case <-ticker.C:
		}

		params := map[string]any{}
		if first {
			params["interval"] = s.engine.pingInterval.Milliseconds()
			first = false
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.engine.pingInterval)
		if err := rpc.call(ctx, "ping", params, nil); err != nil {
			s.logger.Warn().Err(err).Msg("signaling ping failed")
		}
		cancel()
	}
}

// announceLocked records the streams of p and queues a created event for each.
func (s *session) announceLocked(p participantInfo) {
	for _, si := range p.Streams {
		st := media.Stream{
			ID:             si.ID,
			ConnectionID:   p.ID,
			ConnectionData: p.Metadata,
			HasAudio:       si.HasAudio,
			HasVideo:       si.HasVideo,
		}
		s.remote[p.ID] = st
		s.emitLocked(func() {
			if fn := s.createdHandler(); fn != nil {
				fn(st)
			}
		})
	}
}

func (s *session) withdrawLocked(connectionID string) {
	st, ok := s.remote[connectionID]
	if !ok {
		return
	}
	delete(s.remote, connectionID)
	s.emitLocked(func() {
		if fn := s.destroyedHandler(); fn != nil {
			fn(st)
		}
	})
}

func (s *session) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "participantJoined":
		var p participantInfo
		if err := json.Unmarshal(params, &p); err != nil {
			break
		}
		s.mu.Lock()
		s.metadata[p.ID] = p.Metadata
		s.mu.Unlock()

	case "participantPublished":
		var p participantInfo
		if err := json.Unmarshal(params, &p); err != nil {
			s.logger.Warn().Err(err).Msg("bad participantPublished")
			return
		}
		s.mu.Lock()
		if p.Metadata == "" {
			p.Metadata = s.metadata[p.ID]
		}
		s.announceLocked(p)
		s.mu.Unlock()

	case "participantUnpublished":
		var p unpublishedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.mu.Lock()
		s.withdrawLocked(p.ConnectionID)
		s.mu.Unlock()

	case "participantLeft":
		var p unpublishedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.mu.Lock()
		s.withdrawLocked(p.ConnectionID)
		delete(s.metadata, p.ConnectionID)
		s.mu.Unlock()

	case "iceCandidate":
		var p iceCandidateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.addRemoteCandidate(p)

	case "mediaError":
		var p struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(params, &p)
		s.emit(func() {
			s.exception(&media.RuntimeError{Name: "MEDIA_ERROR", Message: p.Error})
		})

	default:
		s.logger.Debug().Str("method", method).Msg("unhandled notification")
	}
}

func (s *session) addRemoteCandidate(p iceCandidateParams) {
	mid, idx := p.SDPMid, p.SDPMLineIndex
	c := webrtc.ICECandidateInit{Candidate: p.Candidate, SDPMid: &mid, SDPMLineIndex: &idx}

	s.mu.Lock()
	ep, ok := s.endpoints[p.EndpointName]
	if !ok {
		s.orphans[p.EndpointName] = append(s.orphans[p.EndpointName], c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := ep.addCandidate(c); err != nil {
		s.logger.Warn().Err(err).Str("endpoint", p.EndpointName).Msg("failed to add remote candidate")
	}
}

func (s *session) registerEndpoint(name string, ep *endpoint) {
	s.mu.Lock()
	s.endpoints[name] = ep
	orphans := s.orphans[name]
	delete(s.orphans, name)
	s.mu.Unlock()

	for _, c := range orphans {
		if err := ep.addCandidate(c); err != nil {
			s.logger.Warn().Err(err).Str("endpoint", name).Msg("failed to add remote candidate")
		}
	}
}

func (s *session) createdHandler() func(media.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onCreated
}

func (s *session) destroyedHandler() func(media.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onDestroyed
}

func (s *session) exception(err error) {
	s.mu.Lock()
	fn := s.onException
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (s *session) emit(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(fn)
}

func (s *session) emitLocked(fn func()) {
	if s.queue == nil || s.closed {
		return
	}
	s.queue.push(fn)
}

func (s *session) watch(pc *webrtc.PeerConnection, name string) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug().Str("endpoint", name).Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed {
			s.emit(func() {
				s.exception(&media.RuntimeError{Name: "ICE_CONNECTION_FAILED", Origin: name, Message: "peer connection failed"})
			})
		}
	})
}

// negotiate sends a fully gathered offer through method and applies the
// answer. It returns the id the server assigned, if any.
func (s *session) negotiate(ctx context.Context, ep *endpoint, method string, params func(offer string) any) (string, error) {
	rpc, err := s.client()
	if err != nil {
		return "", err
	}

	offer, err := ep.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(ep.pc)
	if err := ep.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	var res sdpAnswer
	if err := rpc.call(ctx, method, params(ep.pc.LocalDescription().SDP), &res); err != nil {
		return "", err
	}

	if err := ep.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: res.SDPAnswer}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	return res.ID, nil
}

func (s *session) Publish(ctx context.Context, p media.Publisher) error {
	pub, ok := p.(*publisher)
	if !ok {
		return fmt.Errorf("unsupported publisher type %T", p)
	}

	width, height := pub.cfg.Dimensions()
	dims, _ := json.Marshal(map[string]int{"width": width, "height": height})
	audioOn, videoOn := pub.active()

	ep := newEndpoint(pub.pc)
	streamID, err := s.negotiate(ctx, ep, "publishVideo", func(offer string) any {
		return publishVideoParams{
			SDPOffer:        offer,
			HasAudio:        pub.audio != nil,
			HasVideo:        pub.video != nil,
			AudioActive:     audioOn,
			VideoActive:     videoOn,
			TypeOfVideo:     "CAMERA",
			FrameRate:       pub.cfg.FrameRate,
			VideoDimensions: string(dims),
		}
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.publisher = pub
	s.mu.Unlock()

	s.registerEndpoint(streamID, ep)
	s.watch(pub.pc, streamID)
	pub.attach(s, streamID)

	s.logger.Info().Str("stream_id", streamID).Msg("publishing")
	return nil
}

func (s *session) Subscribe(ctx context.Context, st media.Stream) (media.Subscriber, error) {
	pc, err := s.engine.newPeerConnection()
	if err != nil {
		return nil, err
	}
	if err := addRecvOnlyTransceivers(pc, st); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add transceivers: %w", err)
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Debug().Str("stream_id", st.ID).Str("kind", track.Kind().String()).Msg("remote track")
		go drainTrack(track)
	})
	s.watch(pc, st.ID)

	ep := newEndpoint(pc)
	s.registerEndpoint(st.ID, ep)

	_, err = s.negotiate(ctx, ep, "receiveVideoFrom", func(offer string) any {
		return receiveVideoParams{Sender: st.ID, SDPOffer: offer}
	})
	if err != nil {
		s.dropEndpoint(st.ID)
		pc.Close()
		return nil, err
	}

	sub := &subscriber{logger: s.logger, session: s, pc: pc, stream: st}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.release()
		return nil, errSessionClosed
	}
	s.subscribers[st.ID] = sub
	s.mu.Unlock()

	return sub, nil
}

func (s *session) dropEndpoint(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, name)
}

func (s *session) streamPropertyChanged(streamID, property string, value bool, reason string) {
	rpc, err := s.client()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	err = rpc.call(ctx, "streamPropertyChanged", map[string]any{
		"streamId": streamID,
		"property": property,
		"newValue": value,
		"reason":   reason,
	}, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("property", property).Msg("failed to announce stream property")
	}
}

func (s *session) unpublish(streamID string) error {
	s.mu.Lock()
	s.publisher = nil
	delete(s.endpoints, streamID)
	s.mu.Unlock()

	rpc, err := s.client()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return rpc.call(ctx, "unpublishVideo", struct{}{}, nil)
}

func (s *session) unsubscribe(streamID string) error {
	s.mu.Lock()
	delete(s.subscribers, streamID)
	delete(s.endpoints, streamID)
	s.mu.Unlock()

	rpc, err := s.client()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return rpc.call(ctx, "unsubscribeFromVideo", map[string]string{"sender": streamID}, nil)
}

// Disconnect leaves the room and releases every peer connection the session
// created. Only the first call does anything.
func (s *session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	rpc, queue, pub := s.rpc, s.queue, s.publisher
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.publisher = nil
	s.subscribers = make(map[string]*subscriber)
	s.endpoints = make(map[string]*endpoint)
	s.mu.Unlock()

	if queue != nil {
		queue.stop()
	}
	for _, sub := range subs {
		sub.release()
	}
	if pub != nil {
		pub.detach()
		pub.release()
	}
	if rpc == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := rpc.call(ctx, "leaveRoom", struct{}{}, nil); err != nil {
		s.logger.Debug().Err(err).Msg("leaveRoom failed")
	}
	return rpc.close()
}
