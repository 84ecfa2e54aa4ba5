package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"meetlink/internal/devices"
	"meetlink/internal/media"
	"meetlink/internal/streams"
)

type Config struct {
	Logger      *zerolog.Logger
	Engine      media.Engine
	Credentials CredentialSource
	Hooks       HookRegistry
	MemberID    int
	// RequestTimeout bounds each publish and subscribe negotiation.
	// Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	// OnException receives engine runtime errors. Optional.
	OnException func(error)
}

const DefaultRequestTimeout = 10 * time.Second

// Service owns at most one live activation of the meeting: the signaling
// session, the local publisher and the stream list built from server events.
type Service struct {
	logger      zerolog.Logger
	engine      media.Engine
	creds       CredentialSource
	hooks       HookRegistry
	memberID    int
	onException func(error)
	timeout     time.Duration

	tracer            trace.Tracer
	activationCounter metric.Int64Counter
	streamsGauge      metric.Int64UpDownCounter

	mu      sync.Mutex
	gen     uint64
	current *activation
}

func NewService(cfg *Config) (*Service, error) {
	if cfg.Engine == nil {
		return nil, errors.New("meeting: engine is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("meeting: credential source is required")
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "meeting").Logger()
	}

	meter := otel.Meter("meeting-service")
	actCounter, _ := meter.Int64Counter("meeting.activations_total", metric.WithDescription("Number of meeting activations started"))
	streamsGauge, _ := meter.Int64UpDownCounter("meeting.streams_active", metric.WithDescription("Number of remote streams currently subscribed"))

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Service{
		logger:            logger,
		engine:            cfg.Engine,
		creds:             cfg.Credentials,
		hooks:             cfg.Hooks,
		memberID:          cfg.MemberID,
		onException:       cfg.OnException,
		timeout:           timeout,
		tracer:            otel.Tracer("meeting-service"),
		activationCounter: actCounter,
		streamsGauge:      streamsGauge,
	}, nil
}

// Join tears down any previous activation, then runs the join sequence for
// roomID: credential, connect, device selection, publisher, publish. It
// returns once the meeting is active or the sequence failed; on failure
// everything opened so far is released.
func (s *Service) Join(ctx context.Context, roomID string) error {
	ctx, span := s.tracer.Start(ctx, "meeting.Join", trace.WithAttributes(
		attribute.String("room_id", roomID),
	))
	defer span.End()

	act := s.activate(roomID)
	span.SetAttributes(attribute.String("activation", act.id))
	s.activationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room_id", roomID)))

	log := s.logger.With().Str("room_id", roomID).Str("activation", act.id).Logger()
	log.Info().Msg("joining meeting")

	// Teardown of the activation aborts whatever call is in flight.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(act.ctx, cancel)
	defer stop()

	if err := s.run(ctx, act); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.teardown(act)
		if errors.Is(err, ErrSuperseded) {
			log.Warn().Msg("join abandoned, activation was torn down")
		} else {
			log.Error().Err(err).Msg("join failed")
		}
		return err
	}

	log.Info().Msg("meeting active")
	return nil
}

func (s *Service) activate(roomID string) *activation {
	actx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	prev := s.current
	s.gen++
	act := &activation{
		id:      uuid.NewString(),
		gen:     s.gen,
		roomID:  roomID,
		ctx:     actx,
		cancel:  cancel,
		state:   StateIdle,
		pending: make(map[string]struct{}),
		set:     streams.NewSet(),
	}
	s.current = act
	s.mu.Unlock()

	if prev != nil {
		s.teardown(prev)
	}

	if s.hooks != nil {
		dereg := s.hooks.Register(func() { s.teardown(act) })
		act.mu.Lock()
		if act.state == StateDisconnected {
			act.mu.Unlock()
			dereg()
		} else {
			act.deregister = dereg
			act.mu.Unlock()
		}
	}
	return act
}

func (s *Service) run(ctx context.Context, act *activation) error {
	act.mu.Lock()
	if act.state == StateDisconnected {
		act.mu.Unlock()
		return ErrSuperseded
	}
	act.state = StateConnecting
	act.set.ReservePublisher(s.memberID)
	act.mu.Unlock()

	session := s.engine.InitSession()
	session.OnStreamCreated(func(st media.Stream) { s.handleStreamCreated(act, st) })
	session.OnStreamDestroyed(func(st media.Stream) { s.handleStreamDestroyed(act, st) })
	session.OnException(func(err error) { s.handleException(act, err) })

	act.mu.Lock()
	if act.state == StateDisconnected {
		act.mu.Unlock()
		return ErrSuperseded
	}
	act.session = session
	act.mu.Unlock()

	cred, err := s.creds.AcquireCredential(ctx, act.roomID)
	if err != nil {
		return s.stale(act, err)
	}
	if !act.live() {
		return ErrSuperseded
	}

	if err := session.Connect(ctx, cred.Token, media.Identity(s.memberID)); err != nil {
		return s.stale(act, errors.Join(ErrConnectFailure, err))
	}
	if !act.advance(StatePublishing) {
		// The connection came up after teardown already ran.
		if err := session.Disconnect(); err != nil {
			s.logger.Debug().Err(err).Str("activation", act.id).Msg("disconnect of late session failed")
		}
		return ErrSuperseded
	}

	videoSource, err := devices.SelectVideoSource(ctx, s.engine)
	if err != nil {
		return s.stale(act, err)
	}

	pub, err := s.engine.InitPublisher(ctx, media.DefaultPublisherConfig(videoSource))
	if err != nil {
		return s.stale(act, errors.Join(ErrPublishFailure, err))
	}

	act.mu.Lock()
	if act.state == StateDisconnected {
		act.mu.Unlock()
		s.destroy(pub, act)
		return ErrSuperseded
	}
	act.publisher = pub
	act.set.SetPublisher(pub, s.memberID)
	act.mu.Unlock()

	pubCtx, cancelPub := context.WithTimeout(ctx, s.timeout)
	err = session.Publish(pubCtx, pub)
	cancelPub()
	if err != nil {
		return s.stale(act, errors.Join(ErrPublishFailure, err))
	}
	if !act.advance(StateActive) {
		return ErrSuperseded
	}
	return nil
}

// stale replaces err with ErrSuperseded when the failure was caused by the
// activation being torn down underneath the call.
func (s *Service) stale(act *activation, err error) error {
	if !act.live() {
		return ErrSuperseded
	}
	return err
}

func (s *Service) isCurrent(act *activation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == act && s.gen == act.gen
}

func (s *Service) handleStreamCreated(act *activation, st media.Stream) {
	log := s.logger.With().Str("activation", act.id).Str("stream_id", st.ID).Logger()
	if !s.isCurrent(act) {
		log.Debug().Msg("ignoring stream from stale activation")
		return
	}

	act.mu.Lock()
	session := act.session
	ok := act.state != StateDisconnected && session != nil
	if ok {
		if _, inFlight := act.pending[st.ID]; inFlight || act.set.Contains(st.ID) {
			ok = false
		} else {
			act.pending[st.ID] = struct{}{}
		}
	}
	act.mu.Unlock()
	if !ok {
		log.Debug().Msg("stream already known, skipping subscribe")
		return
	}

	// Subscribing waits on the server; later events must not queue behind it.
	act.inflight.Add(1)
	go func() {
		defer act.inflight.Done()
		s.subscribe(act, session, st, log)
	}()
}

func (s *Service) subscribe(act *activation, session media.Session, st media.Stream, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(act.ctx, s.timeout)
	defer cancel()

	sub, err := session.Subscribe(ctx, st)
	if err != nil {
		act.mu.Lock()
		delete(act.pending, st.ID)
		act.mu.Unlock()
		if act.live() {
			log.Warn().Err(err).Msg("subscribe failed")
			s.report(err)
		}
		return
	}

	participantID, found := media.ParticipantID(st.ConnectionData)
	if !found {
		log.Debug().Str("connection_data", st.ConnectionData).Msg("stream has no member id")
	}

	act.mu.Lock()
	_, wanted := act.pending[st.ID]
	delete(act.pending, st.ID)
	added := wanted && act.state != StateDisconnected &&
		act.set.Add(streams.Entry{Manager: sub, ParticipantID: participantID})
	act.mu.Unlock()

	if !added {
		log.Debug().Msg("discarding subscriber for stream that is gone")
		s.destroy(sub, act)
		return
	}

	s.streamsGauge.Add(act.ctx, 1)
	log.Info().Int("participant_id", participantID).Msg("subscribed to stream")
}

func (s *Service) handleStreamDestroyed(act *activation, st media.Stream) {
	if !s.isCurrent(act) {
		return
	}

	act.mu.Lock()
	delete(act.pending, st.ID)
	var (
		entry   streams.Entry
		removed bool
	)
	if act.state != StateDisconnected {
		entry, removed = act.set.Remove(st.ID)
	}
	act.mu.Unlock()

	if !removed {
		return
	}
	s.streamsGauge.Add(act.ctx, -1)
	s.destroy(entry.Manager, act)
	s.logger.Info().Str("activation", act.id).Str("stream_id", st.ID).Msg("stream removed")
}

func (s *Service) handleException(act *activation, err error) {
	if !s.isCurrent(act) || !act.live() {
		return
	}
	var rtErr *media.RuntimeError
	if errors.As(err, &rtErr) {
		s.logger.Warn().Str("activation", act.id).Str("name", rtErr.Name).Str("origin", rtErr.Origin).Msg(rtErr.Message)
	} else {
		s.logger.Warn().Str("activation", act.id).Err(err).Msg("session exception")
	}
	s.report(err)

	if errors.Is(err, media.ErrConnectionLost) {
		s.teardown(act)
	}
}

func (s *Service) report(err error) {
	if s.onException != nil {
		s.onException(err)
	}
}

func (s *Service) destroy(m media.StreamManager, act *activation) {
	if err := m.Destroy(); err != nil {
		s.logger.Debug().Err(err).Str("activation", act.id).Str("stream_id", m.StreamID()).Msg("destroy failed")
	}
}

// teardown disconnects the activation and empties its stream list. It is safe
// to call any number of times from any goroutine; only the first call acts
// and every call returns after the work is done.
func (s *Service) teardown(act *activation) {
	act.closeOnce.Do(func() {
		act.mu.Lock()
		prev := act.state
		act.state = StateDisconnected
		session, pub, dereg := act.session, act.publisher, act.deregister
		act.session, act.publisher, act.deregister = nil, nil, nil
		act.pending = make(map[string]struct{})
		subs := act.set.Clear()
		act.mu.Unlock()

		act.cancel()

		if n := len(subs); n > 0 {
			s.streamsGauge.Add(context.Background(), -int64(n))
		}
		if pub != nil {
			s.destroy(pub, act)
		}
		if session != nil {
			if err := session.Disconnect(); err != nil {
				s.logger.Warn().Err(err).Str("activation", act.id).Msg("session disconnect failed")
			}
		}
		if dereg != nil {
			dereg()
		}

		s.logger.Info().Str("activation", act.id).Str("from_state", prev.String()).Msg("meeting torn down")
	})
}

// Leave tears down the current activation, if any.
func (s *Service) Leave(ctx context.Context) {
	_, span := s.tracer.Start(ctx, "meeting.Leave")
	defer span.End()

	s.mu.Lock()
	act := s.current
	s.mu.Unlock()

	if act != nil {
		span.SetAttributes(attribute.String("activation", act.id))
		s.teardown(act)
	}
}

func (s *Service) currentActivation() *activation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Service) State() State {
	act := s.currentActivation()
	if act == nil {
		return StateIdle
	}
	return act.State()
}

// RoomID returns the room of the live activation, or "".
func (s *Service) RoomID() string {
	act := s.currentActivation()
	if act == nil || !act.live() {
		return ""
	}
	return act.roomID
}

// Streams returns the current stream list, publisher first.
func (s *Service) Streams() []streams.Entry {
	act := s.currentActivation()
	if act == nil {
		return nil
	}
	return act.set.View()
}

// SetCamera turns the published video on or off. Without a publisher it does
// nothing.
func (s *Service) SetCamera(enabled bool) error {
	pub := s.publisher()
	if pub == nil {
		return nil
	}
	if err := pub.SetVideo(enabled); err != nil {
		return fmt.Errorf("failed to set camera: %w", err)
	}
	return nil
}

// SetMicrophone turns the published audio on or off. Without a publisher it
// does nothing.
func (s *Service) SetMicrophone(enabled bool) error {
	pub := s.publisher()
	if pub == nil {
		return nil
	}
	if err := pub.SetAudio(enabled); err != nil {
		return fmt.Errorf("failed to set microphone: %w", err)
	}
	return nil
}

func (s *Service) publisher() media.Publisher {
	act := s.currentActivation()
	if act == nil {
		return nil
	}
	act.mu.Lock()
	defer act.mu.Unlock()
	return act.publisher
}
