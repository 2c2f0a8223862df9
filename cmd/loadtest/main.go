package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"messenger/internal/auth"
	"messenger/internal/client"
	"messenger/internal/models"
)

type config struct {
	baseURL        string
	secret         string
	issuer         string
	users          int
	conversations  int
	messagesPerSec float64
	duration       time.Duration
	readRatio      float64
	batchSize      int
}

type user struct {
	id     string
	token  string
	conn   *client.Client
	convos []string
}

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

type Stats struct {
	sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	totalLatency    time.Duration
	maxLatency      time.Duration
	minLatency      time.Duration
	writeLatencies  []time.Duration
	readLatencies   []time.Duration
	failures        map[string]int
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError(err error) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
	if s.failures == nil {
		s.failures = make(map[string]int)
	}
	s.failures[classify(err)]++
}

func classify(err error) string {
	var ackErr *client.AckError
	switch {
	case err == nil:
		return "unknown"
	case errors.As(err, &ackErr):
		return ackErr.Code
	case errors.Is(err, client.ErrAckTimeout):
		return "ack timeout"
	default:
		return "transport"
	}
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func main() {
	var cfg config
	flag.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "Server base URL")
	flag.StringVar(&cfg.secret, "secret", os.Getenv("CHAT_AUTH_JWT_SECRET"), "Token signing secret shared with the server")
	flag.StringVar(&cfg.issuer, "issuer", os.Getenv("CHAT_AUTH_ISSUER"), "Token issuer expected by the server")
	flag.IntVar(&cfg.users, "users", 200, "Number of simulated users")
	flag.IntVar(&cfg.conversations, "conversations", 20, "Number of conversations to spread users across")
	flag.Float64Var(&cfg.messagesPerSec, "rate", 1, "Operations per second per user")
	flag.DurationVar(&cfg.duration, "duration", time.Minute, "Simulation length")
	flag.Float64Var(&cfg.readRatio, "reads", 0.5, "Share of operations that read history")
	flag.IntVar(&cfg.batchSize, "batch", 50, "Concurrent connection attempts")
	flag.Parse()

	if cfg.secret == "" {
		log.Fatal("a signing secret is required (-secret or CHAT_AUTH_JWT_SECRET)")
	}

	log.Printf("Starting load test with %d users across %d conversations, %.1f ops/sec per user, for %v",
		cfg.users, cfg.conversations, cfg.messagesPerSec, cfg.duration)
	log.Printf("IMPORTANT: start the server with the -loadtest flag so it uses a separate store")

	ctx := context.Background()

	users, err := prepareUsers(cfg)
	if err != nil {
		log.Fatalf("Failed to prepare users: %v", err)
	}

	if err := createConversations(ctx, cfg, users); err != nil {
		log.Fatalf("Failed to create conversations: %v", err)
	}

	connected := connectUsers(ctx, cfg, users)
	log.Printf("Connected %d/%d users", connected, len(users))
	if connected < len(users)/2 {
		log.Fatalf("Too many connection failures, aborting load test")
	}
	defer func() {
		for _, u := range users {
			if u.conn != nil {
				_ = u.conn.Close()
			}
		}
	}()

	stats := &Stats{}
	start := time.Now()

	g, gCtx := errgroup.WithContext(ctx)
	for _, u := range users {
		if u.conn == nil || len(u.convos) == 0 {
			continue
		}
		u := u
		g.Go(func() error {
			simulateUser(gCtx, cfg, u, stats)
			return nil
		})
	}
	_ = g.Wait()

	report(stats, time.Since(start))
}

func prepareUsers(cfg config) ([]*user, error) {
	users := make([]*user, cfg.users)
	for i := range users {
		id := fmt.Sprintf("loadtest_user_%d", i)
		token, err := auth.Sign(cfg.secret, cfg.issuer, auth.Identity{UserID: id, Name: id}, cfg.duration+time.Hour)
		if err != nil {
			return nil, err
		}
		users[i] = &user{id: id, token: token}
	}
	return users, nil
}

// createConversations puts every user into one conversation; the first user
// of each group creates it.
func createConversations(ctx context.Context, cfg config, users []*user) error {
	groups := make([][]*user, cfg.conversations)
	for i, u := range users {
		groups[i%cfg.conversations] = append(groups[i%cfg.conversations], u)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.batchSize)
	for i, members := range groups {
		if len(members) < 2 {
			continue
		}
		i, members := i, members
		g.Go(func() error {
			ids := make([]string, 0, len(members)-1)
			for _, m := range members[1:] {
				ids = append(ids, m.id)
			}
			conv, err := createConversation(gCtx, cfg, members[0], models.CreateConversationRequest{
				ParticipantIDs: ids,
				Title:          fmt.Sprintf("LoadTest Conversation %d", i),
			})
			if err != nil {
				return fmt.Errorf("conversation %d: %w", i, err)
			}
			for _, m := range members {
				m.convos = append(m.convos, conv.ID)
			}
			return nil
		})
	}
	return g.Wait()
}

func createConversation(ctx context.Context, cfg config, creator *user, body models.CreateConversationRequest) (models.Conversation, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return models.Conversation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/api/conversations", bytes.NewReader(payload))
	if err != nil {
		return models.Conversation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creator.token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return models.Conversation{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return models.Conversation{}, fmt.Errorf("conversation creation failed with status: %d", resp.StatusCode)
	}

	var out models.ConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Conversation{}, err
	}
	return out.Conversation, nil
}

func connectUsers(ctx context.Context, cfg config, users []*user) int {
	wsURL := "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/ws"

	var mu sync.Mutex
	connected := 0

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.batchSize)
	for _, u := range users {
		u := u
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(gCtx, 10*time.Second)
			defer cancel()

			conn, err := client.Dial(dialCtx, wsURL, u.token, client.Options{UserID: u.id, AckTimeout: 10 * time.Second})
			if err != nil {
				log.Printf("Error connecting %s: %v", u.id, err)
				return nil
			}
			go drain(conn)

			u.conn = conn
			mu.Lock()
			connected++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return connected
}

// drain keeps the event buffer from filling up; timelines are maintained by
// the client regardless.
func drain(c *client.Client) {
	for range c.Events() {
	}
}

func simulateUser(ctx context.Context, cfg config, u *user, stats *Stats) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.messagesPerSec))
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	endTime := time.Now().Add(cfg.duration)

	for time.Now().Before(endTime) {
		select {
		case <-ctx.Done():
			return
		case <-u.conn.Done():
			stats.recordError(client.ErrClosed)
			return
		case <-ticker.C:
		}

		conv := u.convos[rng.Intn(len(u.convos))]
		if rng.Float64() < cfg.readRatio {
			start := time.Now()
			if err := readHistory(ctx, cfg, u, conv); err != nil {
				stats.recordError(err)
				continue
			}
			stats.recordSuccess(time.Since(start), ReadOperation)
			continue
		}

		start := time.Now()
		body := fmt.Sprintf("Test message from %s at %s", u.id, time.Now().Format(time.RFC3339Nano))
		if _, err := u.conn.Send(ctx, conv, body); err != nil {
			stats.recordError(err)
			continue
		}
		stats.recordSuccess(time.Since(start), WriteOperation)
	}
}

func readHistory(ctx context.Context, cfg config, u *user, conversationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/conversations/%s/messages", cfg.baseURL, conversationID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+u.token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("read failed with status: %d", resp.StatusCode)
	}
	var page models.MessagePage
	return json.NewDecoder(resp.Body).Decode(&page)
}

func report(stats *Stats, duration time.Duration) {
	stats.Lock()
	defer stats.Unlock()

	avg := time.Duration(0)
	if stats.successRequests > 0 {
		avg = stats.totalLatency / time.Duration(stats.successRequests)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	table.Append([]string{"Total Requests", fmt.Sprint(stats.totalRequests)})
	table.Append([]string{"Successful Requests", fmt.Sprint(stats.successRequests)})
	table.Append([]string{"Failed Requests", fmt.Sprint(stats.failedRequests)})
	table.Append([]string{"Average Latency", avg.String()})
	table.Append([]string{"Min Latency", stats.minLatency.String()})
	table.Append([]string{"Max Latency", stats.maxLatency.String()})
	table.Append([]string{"P50 Write (ack) Latency", percentile(stats.writeLatencies, 0.50).String()})
	table.Append([]string{"P99 Write (ack) Latency", percentile(stats.writeLatencies, 0.99).String()})
	table.Append([]string{"P50 Read Latency", percentile(stats.readLatencies, 0.50).String()})
	table.Append([]string{"P99 Read Latency", percentile(stats.readLatencies, 0.99).String()})
	table.Append([]string{"Requests per Second", fmt.Sprintf("%.2f", float64(stats.totalRequests)/duration.Seconds())})
	table.Append([]string{"Total Duration", duration.Round(time.Millisecond).String()})

	codes := make([]string, 0, len(stats.failures))
	for code := range stats.failures {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		table.Append([]string{"Failures: " + code, fmt.Sprint(stats.failures[code])})
	}

	fmt.Println("\nLoad Test Results:")
	table.Render()
}

var httpClient = &http.Client{Timeout: 5 * time.Second}
