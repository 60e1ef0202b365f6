package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/annel0/mmo-spawn/internal/auth"
	"github.com/annel0/mmo-spawn/internal/config"
	"github.com/annel0/mmo-spawn/internal/eventbus"
	"github.com/annel0/mmo-spawn/internal/logging"
	"github.com/annel0/mmo-spawn/internal/spawn"
	"github.com/annel0/mmo-spawn/internal/transport"
	"github.com/annel0/mmo-spawn/internal/vec"
)

const defaultNatsURL = "nats://127.0.0.1:4222"

func main() {
	var (
		natsURL   = flag.String("nats", defaultNatsURL, "NATS server URL")
		stream    = flag.String("stream", config.DefaultStream, "JetStream stream name")
		command   = flag.String("cmd", "tail", "Command: tail, request, despawn, token, serve")
		embedded  = flag.Bool("embedded", false, "Start an in-process NATS server with JetStream")
		port      = flag.Int("port", 4222, "Port of the embedded NATS server")
		storeDir  = flag.String("store", "", "JetStream store dir of the embedded server")
		sender    = flag.Uint("as", 1, "Participant id used as event sender")
		key       = flag.String("key", "", "Template key (proxy variant)")
		ownerKey  = flag.String("owner-key", "", "Template key of the owner variant")
		owner     = flag.Uint("owner", 1, "Owner participant id")
		viewID    = flag.Uint("view", 0, "View id for despawn")
		position  = flag.String("pos", "0,0,0", "Position x,y,z")
		payload   = flag.String("payload", "", "Payload as JSON array")
		secret    = flag.String("secret", "", "JWT secret (base64), defaults to $SPAWN_JWT_SECRET")
		subject   = flag.String("subject", "operator", "Token subject")
		admin     = flag.Bool("admin", true, "Issue an admin token")
		threshold = flag.Int("compress", config.DefaultCompressThreshold, "Compression threshold in bytes")
	)
	flag.Parse()

	logging.SetDefaultLogger(logging.NewConsoleLogger("spawn-cli", os.Stderr, logging.WARN))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *command == "token" {
		if err := issueToken(*secret, *subject, uint32(*sender), *admin); err != nil {
			log.Fatalf("❌ Token failed: %v", err)
		}
		return
	}

	url := *natsURL
	if *embedded || *command == "serve" {
		srv, err := eventbus.NewEmbeddedServer("127.0.0.1", *port, *storeDir)
		if err != nil {
			log.Fatalf("❌ Embedded NATS: %v", err)
		}
		if err := srv.Start(); err != nil {
			log.Fatalf("❌ Embedded NATS: %v", err)
		}
		defer srv.Shutdown()
		url = srv.ClientURL()
		fmt.Printf("🛰️  Embedded NATS: %s\n", url)
	}

	if *command == "serve" {
		<-ctx.Done()
		return
	}

	bus, err := eventbus.NewJetStreamBus(url, *stream, 24*time.Hour)
	if err != nil {
		log.Fatalf("❌ Failed to connect to bus: %v", err)
	}
	defer bus.Close()

	codec, err := transport.NewCodec(*threshold)
	if err != nil {
		log.Fatalf("❌ Codec: %v", err)
	}
	defer codec.Close()

	from := spawn.ParticipantID(*sender)
	switch *command {
	case "tail":
		if err := tailEvents(ctx, bus, codec); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}

	case "request":
		placement, err := parsePlacement(*position)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		data, err := parsePayload(*payload)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		ev := transport.Event{
			Kind:      transport.KindRequest,
			Key:       spawn.EntityTypeKey(*key),
			OwnerKey:  spawn.EntityTypeKey(*ownerKey),
			Owner:     spawn.ParticipantID(*owner),
			Creator:   from,
			Placement: placement,
			Payload:   data,
			Sender:    from,
		}
		if err := publish(ctx, bus, codec, from, ev); err != nil {
			log.Fatalf("❌ Request failed: %v", err)
		}
		fmt.Printf("📨 Spawn request %s sent as participant %d\n", *key, from)

	case "despawn":
		if *viewID == 0 {
			log.Fatalf("❌ -view is required")
		}
		ev := transport.Event{
			Kind:   transport.KindDespawn,
			Key:    spawn.EntityTypeKey(*key),
			ViewID: spawn.ViewID(*viewID),
			Owner:  spawn.ParticipantID(*owner),
			Sender: from,
		}
		if err := publish(ctx, bus, codec, from, ev); err != nil {
			log.Fatalf("❌ Despawn failed: %v", err)
		}
		fmt.Printf("🗑️  Despawn of view %d sent as participant %d\n", *viewID, from)

	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, request, despawn, token, serve")
		os.Exit(1)
	}
}

// tailEvents выводит события порождения до прерывания
func tailEvents(ctx context.Context, bus eventbus.EventBus, codec *transport.Codec) error {
	fmt.Println("🎬 Tailing spawn events (Ctrl+C to stop)")
	var count atomic.Int64
	sub, err := bus.Subscribe(ctx, eventbus.Filter{
		Types: []string{transport.EventTypeSpawn, transport.EventTypeDespawn, transport.EventTypeRequest},
	}, func(_ context.Context, env *eventbus.Envelope) {
		ev, err := codec.Decode(env.Payload)
		if err != nil {
			fmt.Printf("[%s] %s ⚠️ undecodable: %v\n", env.Timestamp.Format("15:04:05"), env.Source, err)
			return
		}
		count.Add(1)
		printEvent(env, ev)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	fmt.Printf("\n📊 Total events: %d\n", count.Load())
	return nil
}

func publish(ctx context.Context, bus eventbus.EventBus, codec *transport.Codec, from spawn.ParticipantID, ev transport.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return transport.NewBusPublisher(bus, codec, from).WithTimeout(0).PublishEvent(pubCtx, ev)
}

func issueToken(secret, subject string, participant uint32, admin bool) error {
	if secret == "" {
		secret = os.Getenv("SPAWN_JWT_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("secret is required (-secret or SPAWN_JWT_SECRET)")
	}
	tokens, err := auth.NewTokenManager(secret)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(subject, participant, admin)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// printEvent выводит событие в читаемом формате
func printEvent(env *eventbus.Envelope, ev transport.Event) {
	fmt.Printf("[%s] %s [%s] view=%d key=%s",
		env.Timestamp.Format("15:04:05"),
		env.Source,
		ev.Kind,
		ev.ViewID,
		ev.Key)
	if ev.OwnerKey != "" {
		fmt.Printf(" owner_key=%s", ev.OwnerKey)
	}
	fmt.Printf(" owner=%d creator=%d", ev.Owner, ev.Creator)
	if ev.Kind != transport.KindDespawn {
		p := ev.Placement.Position
		fmt.Printf(" pos=(%.2f,%.2f,%.2f)", p.X, p.Y, p.Z)
	}
	if len(ev.Payload) > 0 {
		fmt.Printf(" payload=%v", ev.Payload)
	}
	fmt.Println()
}

// parsePlacement парсит позицию вида "x,y,z"
func parsePlacement(s string) (spawn.Placement, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return spawn.Placement{}, fmt.Errorf("invalid position %q, want x,y,z", s)
	}
	var xyz [3]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return spawn.Placement{}, fmt.Errorf("invalid position %q: %w", s, err)
		}
		xyz[i] = v
	}
	return spawn.Placement{
		Position: vec.Vec3Float{X: xyz[0], Y: xyz[1], Z: xyz[2]},
		Rotation: vec.Identity(),
	}, nil
}

// parsePayload парсит JSON-массив полезной нагрузки
func parsePayload(s string) ([]interface{}, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("invalid payload %q: %w", s, err)
	}
	return out, nil
}
