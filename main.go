package main

import (
	"os"
	"os/signal"
	"syscall"

	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/gamechat/gamechat/chat/matrix"
	"github.com/gamechat/gamechat/config"
	"github.com/gamechat/gamechat/session"
)

var version = "0.1.0"

func main() {
	flagConfig := pflag.String("conf", "gamechat.toml", "config file")
	flagDebug := pflag.Bool("debug", false, "enable debug logging")
	flagVersion := pflag.Bool("version", false, "show version")
	pflag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 13,
		FullTimestamp: true,
	})

	if *flagVersion {
		logger.Infof("gamechat %s", version)
		return
	}

	v, err := config.LoadConfig(*flagConfig)
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}
	cfg, err := config.Decode(v)
	if err != nil {
		logger.Fatalf("decoding config: %v", err)
	}

	if cfg.Debug || *flagDebug {
		logger.SetLevel(logrus.DebugLevel)
	}
	if cfg.Trace {
		logger.SetLevel(logrus.TraceLevel)
	}

	conn, err := matrix.New(matrix.Credentials{
		Server: cfg.Server,
		Login:  cfg.Login,
		Pass:   cfg.Pass,
	}, matrix.Config{
		MaxAttempts: cfg.MaxAttempts,
	}, logger)
	if err != nil {
		logger.Fatalf("connecting to %s: %v", cfg.Server, err)
	}

	sess, err := session.New(conn.UserID(), conn, session.Config{
		DBPath:        cfg.DBPath,
		BackfillLimit: cfg.BackfillLimit,
		WindowSize:    cfg.WindowSize,
		Coalesce:      cfg.Coalesce,
		SendTimeout:   cfg.SendTimeout,
	}, logger)
	if err != nil {
		logger.Fatalf("creating session: %v", err)
	}

	if err := session.SaveProfile(sess.DB(), session.Profile{
		UserID:      conn.UserID(),
		Homeserver:  cfg.Server,
		AccessToken: conn.AccessToken(),
		DeviceID:    conn.DeviceID(),
	}); err != nil {
		logger.Warnf("remembering profile: %v", err)
	}

	feed := matrix.NewFeed(conn, 16, cfg.TimelineLimit, logger)
	go sess.Run(feed.Batches())
	conn.Start(feed)

	logger.Infof("logged in as %s", conn.UserID())

	// Minimal consumer: the real presentation layer subscribes the same
	// way and diffs snapshots instead of logging them.
	go func() {
		for snap := range sess.Updates() {
			for _, room := range snap.Rooms {
				logger.Debugf("[%s] %s unread=%d last=%q", room.ID, room.Name, room.Unread, room.LastBody)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	conn.Stop()
	if err := sess.Close(); err != nil {
		logger.Errorf("closing session: %v", err)
	}
}
