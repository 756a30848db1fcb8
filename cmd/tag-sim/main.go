// Command tag-sim publishes simulated RFID tag reads, and optionally
// location fixes, to an MQTT broker for exercising the scan logger.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type tagPayload struct {
	ReaderID string `json:"reader_id"`
	TagID    string `json:"tag_id"`
}

type fixPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp string  `json:"timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	readerID := flag.String("reader-id", "sim-reader-1", "Reader identifier used in the topic")
	tags := flag.String("tags", "", "Comma-separated tag codes to cycle through; random codes when empty")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published reads")
	plain := flag.Bool("plain", false, "Publish bare tag codes instead of JSON")
	lat := flag.Float64("lat", 0, "Latitude for simulated fixes")
	lon := flag.Float64("lon", 0, "Longitude for simulated fixes")
	withFix := flag.Bool("fix", false, "Publish a location fix before each read")
	locationTopic := flag.String("location-topic", "rfid/location", "Topic for location fixes")

	flag.Parse()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	codes := splitCodes(*tags)

	clientID := fmt.Sprintf("%s-simulator-%d", *readerID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID).SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	tagTopic := fmt.Sprintf("rfid/readers/%s/tags", *readerID)
	seq := 0

	publish := func(topic string, data []byte) bool {
		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error on %s: %v", topic, err)
			return false
		}
		return true
	}

	publishRead := func() {
		if *withFix {
			fix := fixPayload{
				Latitude:  *lat + jitter(rng, 0.0005),
				Longitude: *lon + jitter(rng, 0.0005),
				Accuracy:  5 + rng.Float64()*10,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			}
			data, err := json.Marshal(fix)
			if err != nil {
				log.Printf("failed to encode fix: %v", err)
				return
			}
			publish(*locationTopic, data)
		}

		tag := nextCode(rng, codes, seq)
		seq++

		data := []byte(tag)
		if !*plain {
			var err error
			data, err = json.Marshal(tagPayload{ReaderID: *readerID, TagID: tag})
			if err != nil {
				log.Printf("failed to encode payload: %v", err)
				return
			}
		}
		if publish(tagTopic, data) {
			log.Printf("published %s tag=%s", tagTopic, tag)
		}
	}

	publishRead()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publishRead()
		}
	}
}

func splitCodes(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// nextCode cycles through the configured codes or makes up an EPC-like one.
func nextCode(rng *rand.Rand, codes []string, seq int) string {
	if len(codes) > 0 {
		return codes[seq%len(codes)]
	}
	return fmt.Sprintf("E200%08X", rng.Uint32())
}

func jitter(rng *rand.Rand, max float64) float64 {
	return (rng.Float64()*2 - 1) * max
}
