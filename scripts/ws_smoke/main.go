package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

// ws_smoke checks a running relay end to end: it subscribes to a topic,
// publishes to it and waits for its own message to come back.
func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", "", "identity token for relays that require one")
	topic := flag.String("topic", "chat/messages/smoke_test", "topic to round-trip through")
	text := flag.String("text", "hello from smoke test", "payload to publish")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	send := func(kind string, data any) error {
		frame, err := proto.InboundFrame(kind, data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", kind, err)
		}
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			return fmt.Errorf("send %s: %w", kind, err)
		}
		return nil
	}

	if err := send(proto.InboundTypeHello, proto.HelloData{Token: *token, Protocol: proto.ProtocolVersion}); err != nil {
		return err
	}
	if err := send(proto.InboundTypeSub, proto.TopicData{Topic: *topic}); err != nil {
		return err
	}

	for {
		var outbound proto.RawOutbound
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Printf("Received outbound: type=%s", outbound.Type)
		if outbound.Event != "" {
			fmt.Printf(" event=%s", outbound.Event)
		}
		fmt.Println()

		if outbound.Error != nil {
			return fmt.Errorf("relay error %s: %s", outbound.Error.Code, outbound.Error.Msg)
		}

		switch outbound.Event {
		case proto.EventWelcome:
			var evt proto.EventWelcomeData
			if err := json.Unmarshal(outbound.Data, &evt); err == nil {
				fmt.Printf("Welcome: client=%s user=%q protocol=%d\n", evt.ClientID, evt.User, evt.Protocol)
			}
		case proto.EventSubscribed:
			if err := send(proto.InboundTypePub, proto.PubData{Topic: *topic, Payload: *text}); err != nil {
				return err
			}
		case proto.EventMessage:
			var evt proto.EventMessageData
			if err := json.Unmarshal(outbound.Data, &evt); err != nil {
				fmt.Printf("Raw data: %s\n", string(outbound.Data))
				return fmt.Errorf("unmarshal message: %w", err)
			}
			fmt.Printf("EventMessage: topic=%s from=%q payload=%q ts=%d\n", evt.Topic, evt.From, evt.Payload, evt.TS)
			if evt.Payload != *text {
				return fmt.Errorf("unexpected payload %q", evt.Payload)
			}
			return nil
		}
	}
}
