package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/habitrace/server/internal/domain"
)

var (
	brokers  = flag.String("brokers", "localhost:9092", "comma separated list of kafka brokers")
	topic    = flag.String("topic", "habitrace-checkins", "topic to produce check-in events to")
	raceSlug = flag.String("race", "morning-run", "race slug the simulated racers check into")
	racers   = flag.Int("racers", 100, "number of simulated racers")
	interval = flag.Duration("interval", 500*time.Millisecond, "delay between check-in bursts")
	burst    = flag.Int("burst", 10, "check-ins per burst")
)

type racer struct {
	userID   string
	username string
}

func main() {
	flag.Parse()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		log.Fatalf("failed to create producer: %v", err)
	}
	defer producer.Close()

	var sent, failed int64

	go func() {
		for range producer.Successes() {
			atomic.AddInt64(&sent, 1)
		}
	}()
	go func() {
		for err := range producer.Errors() {
			atomic.AddInt64(&failed, 1)
			log.Printf("produce error: %v", err.Err)
		}
	}()

	pool := make([]racer, *racers)
	for i := range pool {
		pool[i] = racer{
			userID:   uuid.New().String(),
			username: fmt.Sprintf("racer_%04d", i+1),
		}
	}
	log.Printf("producing check-ins for %d racers on race %q to topic %q", *racers, *raceSlug, *topic)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	stats := time.NewTicker(10 * time.Second)
	defer stats.Stop()

	for {
		select {
		case <-sigCh:
			log.Printf("shutting down: sent=%d failed=%d", atomic.LoadInt64(&sent), atomic.LoadInt64(&failed))
			return
		case <-stats.C:
			log.Printf("stats: sent=%d failed=%d", atomic.LoadInt64(&sent), atomic.LoadInt64(&failed))
		case <-ticker.C:
			for i := 0; i < *burst; i++ {
				r := pool[rand.Intn(len(pool))]
				event := domain.CheckinEvent{
					Username:  r.username,
					UserID:    r.userID,
					RaceSlug:  *raceSlug,
					CheckedAt: time.Now().UTC(),
				}
				payload, err := json.Marshal(event)
				if err != nil {
					log.Printf("marshal event: %v", err)
					continue
				}
				producer.Input() <- &sarama.ProducerMessage{
					Topic: *topic,
					Key:   sarama.StringEncoder(r.userID),
					Value: sarama.ByteEncoder(payload),
				}
			}
		}
	}
}
