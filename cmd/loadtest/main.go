package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/voxelgate/pkg/client"
	"github.com/aeolun/voxelgate/pkg/protocol"
)

const eyeHeight = 1.62

// Stats tracks performance metrics
type Stats struct {
	joined          atomic.Int64
	joinFailures    atomic.Int64
	refused         atomic.Int64
	totalJoinTime   atomic.Int64 // in microseconds
	disconnections  atomic.Int64
	moves           atomic.Int64
	chatsSent       atomic.Int64
	chunksReceived  atomic.Int64
	chunksUnloaded  atomic.Int64
	blockUpdates    atomic.Int64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsReceived atomic.Uint64
}

func (s *Stats) recordJoin(d time.Duration) {
	s.joined.Add(1)
	s.totalJoinTime.Add(d.Microseconds())
}

func (s *Stats) avgJoinMs() float64 {
	joined := s.joined.Load()
	if joined == 0 {
		return 0
	}
	return float64(s.totalJoinTime.Load()) / float64(joined) / 1000.0
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Bot is one simulated player doing a random walk.
type Bot struct {
	id    int
	name  string
	conn  *client.Connection
	stats *Stats
	rng   *rand.Rand

	x, y, z float64
}

func NewBot(id int, serverAddr, prefix string, stats *Stats, debug *log.Logger) *Bot {
	conn := client.NewConnection(serverAddr)
	conn.SetLogger(debug)
	return &Bot{
		id:    id,
		name:  fmt.Sprintf("%s%d", prefix, id),
		conn:  conn,
		stats: stats,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// Join connects and logs in, recording how long the join took.
func (b *Bot) Join() error {
	start := time.Now()
	if err := b.conn.Connect(); err != nil {
		return err
	}
	j, err := b.conn.Login(b.name)
	if err != nil {
		return err
	}
	b.stats.recordJoin(time.Since(start))
	b.stats.chunksReceived.Add(int64(j.Chunks))
	b.x = j.Position.X
	b.y = j.Position.Y - eyeHeight
	b.z = j.Position.Z
	return nil
}

// Run walks until the duration is over or stop is closed. Each step moves
// one block in a random horizontal direction so bots cross chunk borders
// and keep the streamer busy.
func (b *Bot) Run(duration, stepDelay time.Duration, chatEvery int, stop <-chan struct{}) {
	defer b.finish()

	deadline := time.After(duration)
	ticker := time.NewTicker(stepDelay)
	defer ticker.Stop()
	steps := 0
	for {
		select {
		case <-stop:
			return
		case <-deadline:
			return
		case <-b.conn.Done():
			b.stats.disconnections.Add(1)
			log.Printf("[Bot %d] Disconnected: %v", b.id, b.conn.Err())
			return
		case p := <-b.conn.Incoming():
			b.count(p)
		case <-ticker.C:
			switch b.rng.Intn(4) {
			case 0:
				b.x++
			case 1:
				b.x--
			case 2:
				b.z++
			case 3:
				b.z--
			}
			if err := b.conn.Move(b.x, b.y, b.z); err != nil {
				return
			}
			b.stats.moves.Add(1)
			steps++
			if chatEvery > 0 && steps%chatEvery == 0 {
				if err := b.conn.Chat(fmt.Sprintf("%s at %.0f %.0f", b.name, b.x, b.z)); err == nil {
					b.stats.chatsSent.Add(1)
				}
			}
		}
	}
}

func (b *Bot) count(p *protocol.Packet) {
	switch p.ID {
	case protocol.TypeChunkData:
		var chunk protocol.ChunkDataMessage
		if err := protocol.Unmarshal(p, &chunk); err != nil {
			return
		}
		if chunk.PrimaryMask == 0 {
			b.stats.chunksUnloaded.Add(1)
		} else {
			b.stats.chunksReceived.Add(1)
		}
	case protocol.TypeBlockChange, protocol.TypeMultiBlockChange:
		b.stats.blockUpdates.Add(1)
	}
}

func (b *Bot) finish() {
	b.stats.bytesSent.Add(b.conn.GetBytesSent())
	b.stats.bytesReceived.Add(b.conn.GetBytesReceived())
	b.stats.packetsReceived.Add(b.conn.GetPacketsReceived())
	b.conn.Close()
}

func main() {
	serverAddr := flag.String("server", "localhost:25565", "Server address (host:port or ws://host:port/ws)")
	numClients := flag.Int("clients", 10, "Number of concurrent bots")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration per bot")
	stepDelay := flag.Duration("step", 250*time.Millisecond, "Delay between movement steps")
	chatEvery := flag.Int("chat-every", 20, "Send a chat line every N steps (0 disables)")
	prefix := flag.String("prefix", "bot", "Username prefix")
	logFile := flag.String("log", "", "Also write the log to this file")
	debug := flag.Bool("debug", false, "Log every bot's connection events")
	flag.Parse()

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	var debugLog *log.Logger
	if *debug {
		debugLog = log.New(log.Writer(), "[client] ", log.LstdFlags|log.Lmicroseconds)
	}

	check := client.NewConnection(*serverAddr)
	if err := check.Connect(); err != nil {
		log.Fatalf("Server unreachable: %v", err)
	}
	status, rtt, err := check.Status()
	check.Close()
	if err != nil {
		log.Fatalf("Status query failed: %v", err)
	}

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s (%s, %d/%d players, ping %v)", *serverAddr,
		status.Version.Name, status.Players.Online, status.Players.Max, rtt.Round(time.Microsecond))
	log.Printf("  Bots: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per bot)", rampUpDuration, staggerDelay)
	log.Printf("  Step: %v, chat every %d steps", *stepDelay, *chatEvery)
	if *numClients > status.Players.Max-status.Players.Online {
		log.Printf("  Warning: only %d slots free, expect refusals", status.Players.Max-status.Players.Online)
	}
	log.Printf("")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Printf("Shutdown signal received, stopping test...")
			stopAll()
		case <-stop:
		}
	}()

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(startTime).Seconds()
				chunks := stats.chunksReceived.Load()
				log.Printf("Stats: %d joined (avg %.1fms), %d failed, %d chunks (%.1f/s), %d moves, load %.2f, goroutines %d",
					stats.joined.Load(), stats.avgJoinMs(), stats.joinFailures.Load(),
					chunks, float64(chunks)/elapsed, stats.moves.Load(),
					getCPULoad(), runtime.NumGoroutine())
			case <-stop:
				return
			}
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		select {
		case <-stop:
			break spawn
		default:
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bot := NewBot(id, *serverAddr, *prefix, stats, debugLog)
			if err := bot.Join(); err != nil {
				var refused *client.RefusedError
				if errors.As(err, &refused) {
					stats.refused.Add(1)
				}
				stats.joinFailures.Add(1)
				log.Printf("[Bot %d] Join failed: %v", id, err)
				bot.finish()
				return
			}
			if id%100 == 0 {
				log.Printf("[Bot %d] Joined", id)
			}
			bot.Run(*duration, *stepDelay, *chatEvery, stop)
		}(i)
		time.Sleep(staggerDelay)
	}

	wg.Wait()
	stopAll()
	<-reporterDone
	signal.Stop(sigChan)

	elapsed := time.Since(start)
	log.Printf("")
	log.Printf("Load test finished after %v", elapsed.Round(time.Second))
	log.Printf("  Joined: %d of %d (avg join %.1fms, %d refused, %d other failures)",
		stats.joined.Load(), *numClients, stats.avgJoinMs(), stats.refused.Load(),
		stats.joinFailures.Load()-stats.refused.Load())
	log.Printf("  Disconnected early: %d", stats.disconnections.Load())
	log.Printf("  Moves: %d, chat lines: %d", stats.moves.Load(), stats.chatsSent.Load())
	log.Printf("  Chunks: %d delivered (%.1f/s), %d unloaded, %d block updates",
		stats.chunksReceived.Load(), float64(stats.chunksReceived.Load())/elapsed.Seconds(),
		stats.chunksUnloaded.Load(), stats.blockUpdates.Load())
	log.Printf("  Traffic: %.2f MiB in (%d frames), %.2f KiB out",
		float64(stats.bytesReceived.Load())/(1<<20), stats.packetsReceived.Load(),
		float64(stats.bytesSent.Load())/(1<<10))
}
