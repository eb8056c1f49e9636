package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/adapters/ws"
	"github.com/dkeye/voicemesh/internal/app/mesh"
	"github.com/dkeye/voicemesh/internal/audio"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

var errRelayGone = errors.New("relay connection closed")

// headless mesh participant: joins a room and keeps links up until interrupted
func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "meshclient",
		Usage: "join a voice room as a full-mesh participant",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "config file, defaults to config/config.$CONFIG_ENV.yaml"},
			&cli.StringFlag{Name: "relay", Usage: "relay websocket url"},
			&cli.StringFlag{Name: "room", Usage: "room name"},
			&cli.Int64Flag{Name: "id", Usage: "participant id, must be positive"},
			&cli.StringFlag{Name: "name", Usage: "display name"},
			&cli.StringFlag{Name: "avatar", Usage: "avatar reference"},
			&cli.StringFlag{Name: "pcm", Usage: "s16le 8kHz mono file to loop as microphone input"},
			&cli.StringSliceFlag{Name: "ice", Usage: "ICE server url, repeatable"},
			&cli.BoolFlag{Name: "loopback", Usage: "gather loopback candidates, for meshes on one host"},
			&cli.DurationFlag{Name: "stats", Value: 10 * time.Second, Usage: "interval for logging link stats, 0 disables"},
			&cli.StringFlag{Name: "log-level", Usage: "zerolog level"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("meshclient failed")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	cc := &cfg.Client
	if c.IsSet("relay") {
		cc.RelayURL = c.String("relay")
	}
	if c.IsSet("room") {
		cc.Room = c.String("room")
	}
	if c.IsSet("id") {
		cc.ID = c.Int64("id")
	}
	if c.IsSet("name") {
		cc.DisplayName = c.String("name")
	}
	if c.IsSet("avatar") {
		cc.AvatarRef = c.String("avatar")
	}
	if c.IsSet("pcm") {
		cc.PCMPath = c.String("pcm")
	}
	if c.IsSet("ice") {
		cc.ICEServers = c.StringSlice("ice")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	return cfg, nil
}

func relayURL(cc config.ClientConfig, self *domain.Participant) (string, error) {
	u, err := url.Parse(cc.RelayURL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("room", cc.Room)
	q.Set("id", strconv.FormatInt(int64(self.ID), 10))
	q.Set("name", self.DisplayName)
	if self.AvatarRef != "" {
		q.Set("avatar", self.AvatarRef)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	cc := cfg.Client

	self, err := domain.NewParticipant(domain.ParticipantID(cc.ID), cc.DisplayName, cc.AvatarRef)
	if err != nil {
		return fmt.Errorf("participant: %w", err)
	}
	target, err := relayURL(cc, self)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel, err := ws.Dial(ctx, target, ws.Options{
		SendBuffer: cfg.SendBuffer,
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
	})
	if err != nil {
		return err
	}
	defer channel.Close()

	meter := audio.NewMeter()
	factory, err := rtc.NewFactory(ctx, rtc.Options{
		ICEServers:      cc.ICEServers,
		IncludeLoopback: c.Bool("loopback"),
		Sink:            meter,
	})
	if err != nil {
		return err
	}

	logger := log.With().Str("module", "meshclient").Stringer("self", self.ID).Logger()
	joinLost := make(chan error, 1)
	session, err := mesh.New(mesh.Options{
		SelfID:                self.ID,
		Channel:               channel,
		Links:                 factory,
		Microphone:            audio.Device{Path: cc.PCMPath, ThresholdDB: cc.SpeakingThresholdDB},
		NegotiationWorkers:    cc.NegotiationWorkers,
		SampleInterval:        cc.SampleInterval,
		MaxBufferedCandidates: cc.MaxBufferedCandidates,
		OnRoster: func(roster []domain.Participant) {
			ids := make([]domain.ParticipantID, 0, len(roster))
			present := make(map[domain.ParticipantID]struct{}, len(roster))
			for _, p := range roster {
				ids = append(ids, p.ID)
				present[p.ID] = struct{}{}
			}
			for id := range meter.Snapshot() {
				if _, ok := present[id]; !ok {
					meter.Forget(id)
				}
			}
			logger.Info().Interface("roster", ids).Msg("roster changed")
		},
		OnSpeaking: func(ids []domain.ParticipantID) {
			logger.Info().Interface("speaking", ids).Msg("speaking changed")
		},
		OnRemoteMedia: func(peer domain.ParticipantID, track core.RemoteTrack) {
			logger.Info().Stringer("peer", peer).Str("stream_id", track.StreamID()).Msg("receiving audio")
		},
		OnJoinLost: func(err error) {
			select {
			case joinLost <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		return err
	}
	if err := session.Join(ctx); err != nil {
		return err
	}
	logger.Info().Str("room", cc.Room).Msg("in voice room")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-channel.Done():
			return errRelayGone
		case err := <-joinLost:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	if every := c.Duration("stats"); every > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					logStats(logger, session, meter)
				}
			}
		})
	}

	err = g.Wait()
	// announce while the channel is still open; the deferred Close flushes it
	session.Terminate()
	return err
}

func logStats(logger zerolog.Logger, s *mesh.Session, m *audio.Meter) {
	received := m.Snapshot()
	for _, st := range s.Status() {
		ev := logger.Info().
			Stringer("peer", st.ID).
			Str("negotiation", st.Negotiation).
			Str("link", st.Link).
			Bool("speaking", st.Speaking)
		if r, ok := received[st.ID]; ok {
			ev = ev.Uint64("packets", r.Packets).Uint64("lost", r.Lost).Float64("level_db", r.LevelDB)
		}
		ev.Msg("link")
	}
}
