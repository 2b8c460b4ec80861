package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// iot-2/type/{type}/id/{id}/evt/{event}/fmt/{format}
var topicPattern = regexp.MustCompile(`^iot-2/type/([^/]+)/id/([^/]+)/evt/([^/]+)/fmt/([^/]+)$`)

// eventSummary is the part of a published event worth printing on one line
type eventSummary struct {
	SNID      string `json:"snid"`
	GatewayID string `json:"gatewayId"`
	DataType  string `json:"data_type"`
	UserID    string `json:"userId"`
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username (platform API key)")
	password := flag.String("password", "", "MQTT password (platform auth token)")
	clientID := flag.String("client-id", "", "MQTT client id, e.g. a:{org}:{app}")
	deviceType := flag.String("type", "+", "device type to watch")
	verbose := flag.Bool("v", false, "print full event payloads")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	if *clientID == "" {
		*clientID = fmt.Sprintf("sensor-trans-watch-%d", time.Now().Unix())
	}
	opts.SetClientID(*clientID)
	opts.SetUsername(*username)
	opts.SetPassword(*password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	topic := fmt.Sprintf("iot-2/type/%s/id/+/evt/+/fmt/+", *deviceType)
	token := client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		printEvent(msg.Topic(), msg.Payload(), *verbose)
	})
	if token.Wait() && token.Error() != nil {
		fmt.Printf("failed to subscribe to %s: %v\n", topic, token.Error())
		os.Exit(1)
	}
	fmt.Printf("watching %s\n", topic)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("disconnecting...")
	client.Disconnect(250)
}

func printEvent(topic string, payload []byte, verbose bool) {
	timestamp := time.Now().Format("15:04:05")

	m := topicPattern.FindStringSubmatch(topic)
	if m == nil {
		fmt.Printf("[%s] unexpected topic %s\n", timestamp, topic)
		return
	}
	deviceType, deviceID, event := m[1], m[2], m[3]

	var summary eventSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		fmt.Printf("[%s] %s/%s %s: invalid JSON: %v\n", timestamp, deviceType, deviceID, event, err)
		return
	}

	fmt.Printf("[%s] %s/%s %s data_type=%s gateway=%s user=%s\n",
		timestamp, deviceType, deviceID, event, summary.DataType, summary.GatewayID, summary.UserID)

	if verbose {
		var out bytes.Buffer
		if err := json.Indent(&out, payload, "  ", "  "); err == nil {
			fmt.Printf("  %s\n", out.String())
		}
	}
}
