package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const maxValue = 125

type reading struct {
	DeviceID string  `json:"device_id"`
	Value    float64 `json:"value"`
}

// Проверка состояния
func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/api/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	slog.Info("health check", "status", resp.StatusCode, "body", strings.TrimSpace(string(body)))
	return nil
}

func randomReading() reading {
	return reading{
		DeviceID: fmt.Sprintf("device-%d", rand.IntN(1000)),
		Value:    float64(rand.IntN(maxValue + 1)),
	}
}

func postReading(ctx context.Context, client *http.Client, baseURL string, rd reading) error {
	data, _ := json.Marshal(rd)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/defects", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post reading: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post reading: status %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	slog.Info("reading sent", "device_id", rd.DeviceID, "value", rd.Value, "response", strings.TrimSpace(string(body)))
	return nil
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "dashboard backend URL")
	interval := flag.Duration("interval", 3*time.Second, "delay between readings")
	count := flag.Int("n", 0, "number of readings to send (0 = until interrupted)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 10 * time.Second}
	url := strings.TrimRight(*baseURL, "/")

	if err := checkHealth(client, url); err != nil {
		slog.Warn("backend not reachable yet", "url", url, "error", err)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	for {
		if err := postReading(ctx, client, url, randomReading()); err != nil {
			slog.Error("reading failed", "error", err)
		}
		sent++
		if *count > 0 && sent >= *count {
			slog.Info("simulator finished", "sent", sent)
			return
		}

		select {
		case <-ctx.Done():
			slog.Info("simulator stopped", "sent", sent)
			return
		case <-ticker.C:
		}
	}
}
