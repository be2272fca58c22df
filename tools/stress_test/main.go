package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v2"

	"github.com/VanDung-dev/HieraChain-Relay/network"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address      string
	SinkAddress  string
	Concurrency  int
	MessageCount int
	Duration     time.Duration
	PayloadSize  int
	ReportFile   string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	Mode           string
	TotalMessages  int64
	TotalBytes     int64
	Failed         int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	MessagesPerSec float64
}

// latencyStats accumulates latencies from concurrent workers.
type latencyStats struct {
	count int64
	sum   int64
	min   int64
	max   int64
}

func newLatencyStats() *latencyStats {
	return &latencyStats{min: 1<<63 - 1}
}

func (s *latencyStats) observe(d time.Duration) {
	lat := int64(d)
	atomic.AddInt64(&s.count, 1)
	atomic.AddInt64(&s.sum, lat)
	for {
		old := atomic.LoadInt64(&s.min)
		if lat >= old || atomic.CompareAndSwapInt64(&s.min, old, lat) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&s.max)
		if lat <= old || atomic.CompareAndSwapInt64(&s.max, old, lat) {
			break
		}
	}
}

func (s *latencyStats) fill(r *StressTestResult) {
	count := atomic.LoadInt64(&s.count)
	if count == 0 {
		return
	}
	r.AvgLatency = time.Duration(atomic.LoadInt64(&s.sum) / count)
	r.MinLatency = time.Duration(atomic.LoadInt64(&s.min))
	r.MaxLatency = time.Duration(atomic.LoadInt64(&s.max))
}

func main() {
	app := &cli.App{
		Name:  "stress_test",
		Usage: "drive a relay with framed payloads, or count what a peer receives",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:6001", Usage: "Relay listener address"},
			&cli.StringFlag{Name: "sink", Usage: "Act as a counting peer listening on this address"},
			&cli.IntFlag{Name: "c", Value: 10, Usage: "Number of concurrent clients"},
			&cli.IntFlag{Name: "n", Value: 0, Usage: "Messages per client (0 = unlimited, use -d instead)"},
			&cli.DurationFlag{Name: "d", Value: 30 * time.Second, Usage: "Duration of test"},
			&cli.IntFlag{Name: "size", Value: 256, Usage: "Payload size in bytes"},
			&cli.StringFlag{Name: "o", Usage: "Output report file (JSON)"},
		},
		Action: func(c *cli.Context) error {
			config := StressTestConfig{
				Address:      c.String("addr"),
				SinkAddress:  c.String("sink"),
				Concurrency:  c.Int("c"),
				MessageCount: c.Int("n"),
				Duration:     c.Duration("d"),
				PayloadSize:  c.Int("size"),
				ReportFile:   c.String("o"),
			}
			if config.PayloadSize < 8 || config.PayloadSize > network.MaxPayloadSize {
				return fmt.Errorf("payload size must be between 8 and %d", network.MaxPayloadSize)
			}

			var (
				result StressTestResult
				err    error
			)
			if config.SinkAddress != "" {
				fmt.Println("=== HieraChain Relay Sink ===")
				fmt.Printf("Listening: %s\n", config.SinkAddress)
				fmt.Printf("Duration: %v\n\n", config.Duration)
				result, err = runSink(config)
			} else {
				fmt.Println("=== HieraChain Relay Stress Test ===")
				fmt.Printf("Target: %s\n", config.Address)
				fmt.Printf("Concurrency: %d clients\n", config.Concurrency)
				fmt.Printf("Duration: %v\n", config.Duration)
				fmt.Printf("Payload: %d bytes\n\n", config.PayloadSize)
				result = runStressTest(config)
			}
			if err != nil {
				return err
			}

			printResults(result)
			if config.ReportFile != "" {
				saveReport(config, result)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runStressTest(config StressTestConfig) StressTestResult {
	var (
		sent     int64
		bytes    int64
		failed   int64
		latency  = newLatencyStats()
		wg       sync.WaitGroup
		stopChan = make(chan struct{})
	)

	startTime := time.Now()

	// Start workers
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, config, stopChan, &sent, &bytes, &failed, latency)
		}(i)
	}

	// Wait for duration, or for every worker to finish its quota
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-time.After(config.Duration):
	case <-finished:
	}
	close(stopChan)
	wg.Wait()

	duration := time.Since(startTime)
	result := StressTestResult{
		Mode:           "send",
		TotalMessages:  atomic.LoadInt64(&sent),
		TotalBytes:     atomic.LoadInt64(&bytes),
		Failed:         atomic.LoadInt64(&failed),
		TotalDuration:  duration,
		MessagesPerSec: float64(atomic.LoadInt64(&sent)) / duration.Seconds(),
	}
	latency.fill(&result)
	return result
}

func runWorker(id int, config StressTestConfig, stop chan struct{}, sent, bytes, failed *int64, latency *latencyStats) {
	payload := make([]byte, config.PayloadSize)
	for i := 8; i < len(payload); i++ {
		payload[i] = byte(id)
	}

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for count := 0; config.MessageCount == 0 || count < config.MessageCount; count++ {
		select {
		case <-stop:
			return
		default:
		}

		if conn == nil {
			c, err := net.DialTimeout("tcp", config.Address, 5*time.Second)
			if err != nil {
				atomic.AddInt64(failed, 1)
				// Small sleep on error to avoid hammering
				time.Sleep(10 * time.Millisecond)
				continue
			}
			conn = c
		}

		// The send timestamp lets a sink measure end-to-end latency.
		start := time.Now()
		binary.BigEndian.PutUint64(payload, uint64(start.UnixNano())) // #nosec G115 - timestamps are positive
		conn.SetWriteDeadline(start.Add(10 * time.Second))
		if err := network.WriteMessage(conn, payload); err != nil {
			atomic.AddInt64(failed, 1)
			conn.Close()
			conn = nil
			continue
		}
		latency.observe(time.Since(start))
		atomic.AddInt64(sent, 1)
		atomic.AddInt64(bytes, int64(len(payload)))
	}
}

// runSink accepts relay sessions and counts the frames they deliver.
func runSink(config StressTestConfig) (StressTestResult, error) {
	ln, err := net.Listen("tcp", config.SinkAddress)
	if err != nil {
		return StressTestResult{}, err
	}

	var (
		received int64
		bytes    int64
		failed   int64
		latency  = newLatencyStats()
		wg       sync.WaitGroup
		mu       sync.Mutex
		conns    []net.Conn
	)

	startTime := time.Now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					payload, err := network.ReadMessage(conn)
					if err != nil {
						if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
							atomic.AddInt64(&failed, 1)
						}
						return
					}
					atomic.AddInt64(&received, 1)
					atomic.AddInt64(&bytes, int64(len(payload)))
					if len(payload) >= 8 {
						sentAt := time.Unix(0, int64(binary.BigEndian.Uint64(payload))) // #nosec G115 - written by runWorker
						latency.observe(time.Since(sentAt))
					}
				}
			}()
		}
	}()

	time.Sleep(config.Duration)
	ln.Close()
	mu.Lock()
	for _, c := range conns {
		c.Close()
	}
	mu.Unlock()
	wg.Wait()

	duration := time.Since(startTime)
	result := StressTestResult{
		Mode:           "sink",
		TotalMessages:  atomic.LoadInt64(&received),
		TotalBytes:     atomic.LoadInt64(&bytes),
		Failed:         atomic.LoadInt64(&failed),
		TotalDuration:  duration,
		MessagesPerSec: float64(atomic.LoadInt64(&received)) / duration.Seconds(),
	}
	latency.fill(&result)
	return result, nil
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Mode:            %s\n", result.Mode)
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Messages:        %d\n", result.TotalMessages)
	fmt.Printf("Bytes:           %d\n", result.TotalBytes)
	fmt.Printf("Failed:          %d\n", result.Failed)
	fmt.Printf("Messages/sec:    %.2f\n", result.MessagesPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":      config.Address,
			"sink_address": config.SinkAddress,
			"concurrency":  config.Concurrency,
			"duration":     config.Duration.String(),
			"payload_size": config.PayloadSize,
		},
		"results": map[string]interface{}{
			"mode":             result.Mode,
			"messages":         result.TotalMessages,
			"bytes":            result.TotalBytes,
			"failed":           result.Failed,
			"messages_per_sec": result.MessagesPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
