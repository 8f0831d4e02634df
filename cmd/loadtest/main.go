package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	vegeta "github.com/tsenart/vegeta/lib"

	"carechat/internal/client"
	"carechat/internal/models"
)

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

// Stats collects one vegeta result per operation. Writes are timed from
// send to echo, reads from request to response.
type Stats struct {
	sync.Mutex
	writes    vegeta.Metrics
	reads     vegeta.Metrics
	delivered int64
}

func (s *Stats) record(opType OperationType, started time.Time, code uint16, err error) {
	res := &vegeta.Result{Timestamp: started, Latency: time.Since(started), Code: code}
	if err != nil {
		res.Error = err.Error()
	}

	s.Lock()
	defer s.Unlock()
	switch opType {
	case WriteOperation:
		s.writes.Add(res)
	case ReadOperation:
		s.reads.Add(res)
	}
}

func (s *Stats) recordDelivery() {
	s.Lock()
	defer s.Unlock()
	s.delivered++
}

type settings struct {
	baseURL       string
	users         int
	groupSize     int
	rate          float64
	duration      time.Duration
	readFraction  float64
	registerBatch int
}

func (s settings) validate() error {
	switch {
	case s.users < 2:
		return fmt.Errorf("-users must be at least 2, got %d", s.users)
	case s.groupSize < 2:
		return fmt.Errorf("-group must be at least 2, got %d", s.groupSize)
	case s.rate <= 0:
		return fmt.Errorf("-rate must be positive, got %g", s.rate)
	case s.duration <= 0:
		return fmt.Errorf("-duration must be positive, got %s", s.duration)
	case s.readFraction < 0 || s.readFraction > 1:
		return fmt.Errorf("-reads must be between 0 and 1, got %g", s.readFraction)
	case s.registerBatch < 1:
		return fmt.Errorf("-batch must be at least 1, got %d", s.registerBatch)
	}
	return nil
}

// simUser is one registered account with its live connection.
type simUser struct {
	name          string
	user          *models.User
	api           *client.API
	agent         *client.Agent
	conversations []string

	mu      sync.Mutex
	pending map[string]time.Time
}

func main() {
	var cfg settings
	flag.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "server base URL")
	flag.IntVar(&cfg.users, "users", 200, "number of simulated users")
	flag.IntVar(&cfg.groupSize, "group", 4, "participants per conversation")
	flag.Float64Var(&cfg.rate, "rate", 1, "operations per second per user")
	flag.DurationVar(&cfg.duration, "duration", 60*time.Second, "simulation time")
	flag.Float64Var(&cfg.readFraction, "reads", 0.2, "fraction of operations that fetch history over REST")
	flag.IntVar(&cfg.registerBatch, "batch", 50, "users registered in parallel")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	if err := cfg.validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid flags")
	}

	logger.Info().
		Int("users", cfg.users).
		Float64("rate", cfg.rate).
		Dur("duration", cfg.duration).
		Msg("starting load test")
	logger.Info().Msg("start the server with -loadtest so it uses a separate database")

	ctx := context.Background()
	runID := time.Now().Unix()

	start := time.Now()
	users := registerUsers(ctx, cfg, runID, logger)
	logger.Info().
		Str("registered", humanize.Comma(int64(len(users)))).
		Dur("took", time.Since(start)).
		Msg("user registration completed")
	if len(users) < cfg.users/2 {
		logger.Fatal().Msg("too many registration failures, aborting load test")
	}

	created := createConversations(ctx, cfg, users, logger)
	logger.Info().Str("conversations", humanize.Comma(int64(created))).Msg("conversations created")

	stats := &Stats{}
	runCtx, cancel := context.WithCancel(ctx)
	var agents sync.WaitGroup
	for _, u := range users {
		u.connect(stats, logger)
		agents.Add(1)
		go func(u *simUser) {
			defer agents.Done()
			if err := u.agent.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Warn().Err(err).Str("user", u.name).Msg("agent stopped")
			}
		}(u)
	}

	begin := time.Now()
	var sims sync.WaitGroup
	for _, u := range users {
		sims.Add(1)
		go func(u *simUser) {
			defer sims.Done()
			u.simulate(runCtx, cfg, stats)
		}(u)
	}
	sims.Wait()
	elapsed := time.Since(begin)

	// Give in-flight echoes a moment before tearing connections down
	time.Sleep(2 * time.Second)
	cancel()
	agents.Wait()

	report(logger, stats, users, elapsed)
}

func registerUsers(ctx context.Context, cfg settings, runID int64, logger zerolog.Logger) []*simUser {
	users := make([]*simUser, cfg.users)
	sem := make(chan struct{}, cfg.registerBatch)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	errorCount := 0

	for i := 0; i < cfg.users; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			name := fmt.Sprintf("loadtest_%d_%d", runID, i)
			role := models.RoleFamily
			if i%cfg.groupSize == 0 {
				role = models.RoleElderly
			}
			api := client.NewAPI(cfg.baseURL)
			_, err := api.Register(ctx, models.RegisterRequest{
				Username:    name,
				Password:    "testpass123",
				DisplayName: fmt.Sprintf("Load User %d", i),
				Role:        role,
			})
			if err == nil {
				var resp *models.LoginResponse
				resp, err = api.Login(ctx, name, "testpass123")
				if err == nil {
					users[i] = &simUser{name: name, user: &resp.User, api: api, pending: make(map[string]time.Time)}
				}
			}
			if err != nil {
				errMu.Lock()
				errorCount++
				if errorCount <= 10 {
					logger.Warn().Err(err).Str("user", name).Msg("registration failed")
				}
				errMu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	out := make([]*simUser, 0, len(users))
	for _, u := range users {
		if u != nil {
			out = append(out, u)
		}
	}
	return out
}

// createConversations groups users into conversations of groupSize.
func createConversations(ctx context.Context, cfg settings, users []*simUser, logger zerolog.Logger) int {
	created := 0
	for i := 0; i+1 < len(users); i += cfg.groupSize {
		end := i + cfg.groupSize
		if end > len(users) {
			end = len(users)
		}
		group := users[i:end]

		ids := make([]string, 0, len(group)-1)
		for _, u := range group[1:] {
			ids = append(ids, u.user.ID)
		}
		conv, err := group[0].api.CreateConversation(ctx, ids)
		if err != nil {
			logger.Warn().Err(err).Msg("conversation creation failed")
			continue
		}
		for _, u := range group {
			u.conversations = append(u.conversations, conv.ID)
		}
		created++
	}
	return created
}

func (u *simUser) connect(stats *Stats, logger zerolog.Logger) {
	u.agent = client.NewAgent(client.NewWebsocketTransport(u.api.WebsocketURL()), client.Config{
		Token:  u.api.Token,
		Logger: logger.Level(zerolog.InfoLevel).With().Str("user", u.name).Logger(),
		OnEvent: func(env models.Envelope) {
			switch env.Type {
			case models.EventNewMessage:
				var p models.NewMessagePayload
				if env.Decode(&p) != nil {
					return
				}
				if p.SenderID != u.user.ID {
					stats.recordDelivery()
					return
				}
				if sent, ok := u.takePending(p.ClientRef); ok {
					stats.record(WriteOperation, sent, http.StatusCreated, nil)
				}
			case models.EventMessageError:
				var p models.MessageErrorPayload
				if env.Decode(&p) == nil {
					if sent, ok := u.takePending(p.ClientRef); ok {
						stats.record(WriteOperation, sent, 0, errors.New(p.Code))
					}
				}
			}
		},
	})
}

func (u *simUser) takePending(ref string) (time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	sent, ok := u.pending[ref]
	delete(u.pending, ref)
	return sent, ok
}

func (u *simUser) simulate(ctx context.Context, cfg settings, stats *Stats) {
	if len(u.conversations) == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.rate))
	defer ticker.Stop()

	end := time.After(cfg.duration)
	for {
		select {
		case <-ctx.Done():
			return
		case <-end:
			return
		case <-ticker.C:
		}

		convID := u.conversations[rand.Intn(len(u.conversations))]
		if rand.Float64() < cfg.readFraction {
			start := time.Now()
			_, err := u.api.History(ctx, convID, 50)
			stats.record(ReadOperation, start, statusOf(err), err)
			continue
		}

		text := fmt.Sprintf("Test message from %s at %s", u.name, time.Now().Format(time.RFC3339))
		content, _ := json.Marshal(text)
		ref := ulid.Make().String()
		u.mu.Lock()
		u.pending[ref] = time.Now()
		u.mu.Unlock()
		u.agent.Send(models.SendMessagePayload{
			ConversationID: convID,
			Type:           models.TypeText,
			Content:        content,
			ClientRef:      ref,
		})
	}
}

// statusOf is the HTTP status behind a REST error, or 200 on success.
func statusOf(err error) uint16 {
	var apiErr *client.APIError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &apiErr):
		return uint16(apiErr.Status)
	}
	return 0
}

func report(logger zerolog.Logger, stats *Stats, users []*simUser, elapsed time.Duration) {
	stats.Lock()
	defer stats.Unlock()
	stats.writes.Close()
	stats.reads.Close()

	unacked := 0
	queued := 0
	for _, u := range users {
		unacked += len(u.agent.Unacknowledged())
		queued += len(u.agent.Queued())
	}

	total := stats.writes.Requests + stats.reads.Requests
	logger.Info().
		Str("total", humanize.Comma(int64(total))).
		Str("fanout_deliveries", humanize.Comma(stats.delivered)).
		Int("unacknowledged", unacked).
		Int("still_queued", queued).
		Msg("load test results")

	for _, op := range []struct {
		name    string
		metrics *vegeta.Metrics
	}{
		{"write", &stats.writes},
		{"read", &stats.reads},
	} {
		m := op.metrics
		succeeded := int64(math.Round(m.Success * float64(m.Requests)))
		logger.Info().
			Str("op", op.name).
			Str("requests", humanize.Comma(int64(m.Requests))).
			Str("succeeded", humanize.Comma(succeeded)).
			Str("failed", humanize.Comma(int64(m.Requests)-succeeded)).
			Dur("mean", m.Latencies.Mean).
			Dur("p50", m.Latencies.P50).
			Dur("p99", m.Latencies.P99).
			Dur("max", m.Latencies.Max).
			Msg("latency")
	}

	logger.Info().
		Str("ops_per_sec", humanize.FormatFloat("#,###.##", float64(total)/elapsed.Seconds())).
		Dur("duration", elapsed).
		Msg("throughput")
}
