package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/halyard-im/halyard-go/chat"
	"github.com/halyard-im/halyard-go/internal/config"
	"github.com/halyard-im/halyard-go/transport"
	"github.com/halyard-im/halyard-go/transport/memory"
	"github.com/halyard-im/halyard-go/transport/wsbridge"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var conn transport.Conn
	if cfg.GatewayURL != "" {
		conn, err = wsbridge.Dial(ctx, cfg.GatewayURL, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to dial gateway")
		}
	} else {
		log.Info().Msg("no gateway configured, using in-process transport")
		conn = memory.New(log.Logger)
	}

	client := chat.NewClient(conn, &chat.ClientOptions{
		ClientID:              cfg.ClientID,
		Logger:                &log.Logger,
		RetryDelay:            cfg.RetryDelay,
		TransientDetachWindow: cfg.TransientWindow,
	})
	defer client.Close()

	room, err := client.Rooms().Get(ctx, cfg.RoomID, chat.AllFeatures())
	if err != nil {
		log.Fatal().Err(err).Str("room", cfg.RoomID).Msg("failed to get room")
	}

	offStatus := room.OnStatusChange(func(sc chat.StatusChange) {
		ev := log.Info().Str("room", room.ID()).
			Str("from", sc.Previous.String()).Str("to", sc.Current.String())
		if sc.Err != nil {
			ev = ev.Err(sc.Err)
		}
		ev.Msg("room status changed")
	})
	defer offStatus()

	offMsg := room.Messages().Subscribe(func(m chat.Message) {
		log.Info().Str("from", m.ClientID).Str("text", m.Text).Msg("message")
	})
	defer offMsg()

	offTyping := room.Typing().Subscribe(func(ev chat.TypingEvent) {
		log.Info().Str("from", ev.ClientID).Bool("started", ev.Started).Msg("typing")
	})
	defer offTyping()

	offReact := room.Reactions().Subscribe(func(rc chat.Reaction) {
		log.Info().Str("from", rc.ClientID).Str("emoji", rc.Emoji).Msg("reaction")
	})
	defer offReact()

	if err := room.Attach(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to attach room")
	}

	if err := room.Presence().Enter(ctx); err != nil {
		log.Error().Err(err).Msg("presence enter failed")
	}
	if err := room.Typing().Start(ctx); err != nil {
		log.Error().Err(err).Msg("typing start failed")
	}
	if _, err := room.Messages().Send(ctx, "hello from the demo"); err != nil {
		log.Error().Err(err).Msg("send failed")
	}
	if err := room.Reactions().Send(ctx, "👋"); err != nil {
		log.Error().Err(err).Msg("reaction failed")
	}

	// Against the in-process transport, fake a remote participant.
	if mem, ok := conn.(*memory.Conn); ok {
		simulateRemote(mem, cfg.RoomID)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}

	log.Info().Msg("releasing room")
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer releaseCancel()
	if err := client.Rooms().Release(releaseCtx, cfg.RoomID); err != nil {
		log.Error().Err(err).Msg("release failed")
	}
	log.Info().Msg("demo finished")
}

func simulateRemote(conn *memory.Conn, roomID string) {
	ch := conn.Lookup(roomID + "::$chat")
	if ch == nil {
		return
	}
	payload, _ := json.Marshal(chat.Message{ID: "remote-1", ClientID: "remote", Text: "welcome!"})
	ch.PushMessage(transport.Message{Name: "chat.message", ClientID: "remote", Data: payload})
}
