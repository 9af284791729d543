// Package updates serves long-poll fetches. A fetch either answers at once
// from a bounded backlog window or parks a callback in the fan-out registry
// until a new message, a failure threshold, a generation mismatch, the park
// limit or the client going away resolves it.
package updates

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chatbus/internal/buserr"
	"chatbus/internal/eventbus"
	"chatbus/internal/fanout"
	"chatbus/internal/mirrortag"
	"chatbus/internal/model"
	"chatbus/internal/storage"
	logx "chatbus/pkg/logx"
)

const (
	WhereBottom = "bottom"
	WhereTop    = "top"

	DefaultBacklogWindow    = 400
	DefaultFailureThreshold = 4
	DefaultMaxPark          = 55 * time.Second
)

// Store is the read side the service queries.
type Store interface {
	Lookup
	UserMessages(ctx context.Context, q storage.MessageQuery) ([]model.Message, error)
}

type Config struct {
	BacklogWindow    int
	FailureThreshold int
	MaxPark          time.Duration
}

func (c Config) withDefaults() Config {
	if c.BacklogWindow <= 0 {
		c.BacklogWindow = DefaultBacklogWindow
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.MaxPark <= 0 {
		c.MaxPark = DefaultMaxPark
	}
	return c
}

// Request is one long-poll fetch. First and Last bound the id window the
// client already holds; -1 means none.
type Request struct {
	UserID           int64
	First            int64
	Last             int64
	Failures         int
	ServerGeneration int64
	MirrorSyncBot    bool
}

type Response struct {
	Messages         []model.MessageView `json:"messages"`
	Where            string              `json:"where,omitempty"`
	ServerGeneration int64               `json:"server_generation"`
}

type Service struct {
	cfg        Config
	store      Store
	registry   *fanout.Registry
	tags       mirrortag.Guard
	bus        eventbus.Bus
	log        logx.Logger
	generation int64
}

func New(cfg Config, store Store, registry *fanout.Registry, tags mirrortag.Guard, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if tags == nil {
		tags = mirrortag.New("durable", 0)
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		store:      store,
		registry:   registry,
		tags:       tags,
		bus:        bus,
		log:        log,
		generation: time.Now().UnixNano(),
	}
}

// Generation identifies this server incarnation.
func (s *Service) Generation() int64 { return s.generation }

// Fetch answers req, parking when nothing is available. It returns when the
// request is resolved or ctx is done; a cancelled fetch leaves no callback
// behind.
func (s *Service) Fetch(ctx context.Context, req Request) (Response, error) {
	empty := Response{Messages: []model.MessageView{}, ServerGeneration: s.generation}
	if req.UserID == 0 {
		return empty, buserr.Validation("Missing user")
	}
	if req.ServerGeneration != 0 && req.ServerGeneration != s.generation {
		s.log.Debug("generation mismatch",
			logx.UserID(req.UserID),
			logx.Int64("client_generation", req.ServerGeneration))
		return empty, nil
	}

	conn := uuid.NewString()
	log := s.log.With(logx.String("conn", conn), logx.UserID(req.UserID))

	wake := make(chan struct{}, 1)
	register := func() func() {
		return s.registry.Register(req.UserID, func([]model.Message) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
	}

	// Register before the first query so a publish racing with it is seen.
	cancel := register()
	defer func() { cancel() }()

	msgs, where, err := s.backlog(ctx, req)
	if err != nil {
		return empty, err
	}
	if len(msgs) > 0 {
		return s.respond(ctx, msgs, where)
	}
	if req.Failures >= s.cfg.FailureThreshold {
		log.Debug("failure threshold reached", logx.Int("failures", req.Failures))
		return empty, nil
	}

	timer := time.NewTimer(s.cfg.MaxPark)
	defer timer.Stop()
	parkedAt := time.Now()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeUpdatesParked, Data: req.UserID})
	log.Trace("parked")

	for {
		select {
		case <-ctx.Done():
			log.Trace("closed while parked")
			return empty, ctx.Err()
		case <-timer.C:
			log.Trace("park limit reached", logx.Duration("parked", time.Since(parkedAt)))
			return empty, nil
		case <-wake:
		}

		cancel = register()
		msgs, where, err = s.backlog(ctx, req)
		if err != nil {
			return empty, err
		}
		if len(msgs) > 0 {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeUpdatesWoken, Data: req.UserID})
			log.Trace("woken", logx.Int("messages", len(msgs)), logx.Duration("parked", time.Since(parkedAt)))
			return s.respond(ctx, msgs, where)
		}
		// Every new message was filtered out; stay parked.
	}
}

// backlog looks forward from Last, then backward from First.
func (s *Service) backlog(ctx context.Context, req Request) ([]model.Message, string, error) {
	after := req.Last
	if after < 0 {
		after = 0
	}
	for {
		msgs, err := s.store.UserMessages(ctx, storage.MessageQuery{
			UserID:  req.UserID,
			AfterID: after,
			Limit:   s.cfg.BacklogWindow,
		})
		if err != nil {
			return nil, "", buserr.Transient("query updates", err)
		}
		if len(msgs) == 0 {
			break
		}
		kept := s.filter(req, msgs)
		if len(kept) > 0 {
			return kept, WhereBottom, nil
		}
		if len(msgs) < s.cfg.BacklogWindow {
			break
		}
		after = msgs[len(msgs)-1].ID
	}

	if req.First <= 0 {
		return nil, "", nil
	}
	msgs, err := s.store.UserMessages(ctx, storage.MessageQuery{
		UserID:     req.UserID,
		BeforeID:   req.First,
		Limit:      s.cfg.BacklogWindow,
		Descending: true,
	})
	if err != nil {
		return nil, "", buserr.Transient("query updates", err)
	}
	if kept := s.filter(req, msgs); len(kept) > 0 {
		return kept, WhereTop, nil
	}
	return nil, "", nil
}

func (s *Service) filter(req Request, msgs []model.Message) []model.Message {
	if !req.MirrorSyncBot {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if s.tags.Tagged(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Service) respond(ctx context.Context, msgs []model.Message, where string) (Response, error) {
	views, err := NewRenderer(s.store).Render(ctx, msgs)
	if err != nil {
		return Response{ServerGeneration: s.generation}, buserr.Transient("render updates", err)
	}
	return Response{Messages: views, Where: where, ServerGeneration: s.generation}, nil
}
