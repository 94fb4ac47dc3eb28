package main

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// observer-load holds many observer sessions open against /stream or /ws
// and reports how many updates arrived.

type counters struct {
	attempts atomic.Uint64
	failures atomic.Uint64
	messages atomic.Uint64
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil || i <= 0 {
		return def
	}
	return i
}

func main() {
	base := getenv("API_URL", "http://localhost:8080")
	mode := getenv("OBSERVER_MODE", "sse")
	conns := getenvInt("OBSERVER_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	token := os.Getenv("TEST_BEARER")

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	for range conns {
		g.Go(func() error {
			observe(gctx, &c, base, mode, token)
			return nil
		})
	}
	go func() {
		select {
		case <-time.After(60 * time.Second):
			if c.messages.Load() == 0 {
				log.Error("no messages received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()
	_ = g.Wait()

	attempts, failures, messages := c.attempts.Load(), c.failures.Load(), c.messages.Load()
	rate := 0.0
	if attempts > 0 {
		rate = float64(failures) / float64(attempts)
	}
	log.WithFields(log.Fields{
		"mode":                mode,
		"connections":         conns,
		"duration_sec":        int(duration.Seconds()),
		"messages_received":   messages,
		"connection_failures": failures,
	}).Info("observer load complete")
	if messages == 0 || rate > 0.01 {
		os.Exit(1)
	}
}

func observe(ctx context.Context, c *counters, base, mode, token string) {
	backoff := time.Second
	for ctx.Err() == nil {
		c.attempts.Add(1)
		var err error
		if mode == "ws" {
			err = observeSocket(ctx, c, base, token)
		} else {
			err = observeStream(ctx, c, base, token)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).Debug("observer session ended")
		}
		c.failures.Add(1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

func observeStream(ctx context.Context, c *counters, base, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/stream", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data:") {
			c.messages.Add(1)
		}
	}
	return scanner.Err()
}

func observeSocket(ctx context.Context, c *counters, base, token string) error {
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg struct {
			Type string `json:"type"`
		}
		if sonic.Unmarshal(data, &msg) == nil && msg.Type != "" {
			c.messages.Add(1)
		}
	}
}
