package main

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/reubengreen73/cryptocomms/pkg/config"
	"github.com/reubengreen73/cryptocomms/pkg/conn"
	"github.com/reubengreen73/cryptocomms/pkg/netsock"
	"github.com/reubengreen73/cryptocomms/pkg/pipeio"
	"github.com/reubengreen73/cryptocomms/pkg/segnum"
	"github.com/reubengreen73/cryptocomms/pkg/session"
	"github.com/reubengreen73/cryptocomms/pkg/statsstore"
	"github.com/reubengreen73/cryptocomms/pkg/statusapi"
)

// reservationSize is how many segment numbers pkg/segnum.Generator reserves
// per disk round-trip. 1000 keeps the on-disk write rate well under one per
// second even at line rate (a segment number is drawn once per Connection
// at construction and again on msgnum overflow, never per data packet or
// handshake), while bounding
// the numbers burned by a crash to four digits.
const reservationSize = 1000

// fifoOutwardSuffix and fifoInwardSuffix turn a [[Peer.Channel]]'s Endpoint
// base path into the pair of FIFOs pkg/pipeio opens, matching
// original_source/Connection.cpp's fifo_from_user_suffix/fifo_to_user_suffix
// constants.
const (
	fifoOutwardSuffix = "_OUTWARD"
	fifoInwardSuffix  = "_INWARD"
)

// daemon owns every long-lived collaborator of a running cryptocommsd: the
// shared socket, the shared segment-number generator, the dispatcher, the
// persisted stats store, the optional status API, the per-channel FIFO
// endpoints, and the config-file watcher. All but the generator, which
// holds no open files between reservations, are closed on shutdown.
type daemon struct {
	socket  *netsock.Socket
	segGen  *segnum.Generator
	stats   *statsstore.Store
	manager *session.Manager
	status  *statusapi.Server
	watcher *fsnotify.Watcher

	fromUsers []*pipeio.FromUser
	toUsers   []*pipeio.ToUser
}

// newDaemon loads the configuration at path and wires every collaborator
// spec.md and SPEC_FULL.md describe: one shared UDP socket and one shared
// segment-number generator across every Connection (spec.md's "shared
// collaborators ... across many Connections" wiring note), one Connection
// and FIFO pair per configured channel, and the optional persisted-stats
// and status-API surfaces.
func newDaemon(path string) (*daemon, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("daemon: loading config: %w", err)
	}

	configureLogging(cfg)

	d := &daemon{}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	d.socket, err = netsock.Listen(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("daemon: listening on %s: %w", cfg.Listen, err)
	}

	d.segGen, err = segnum.New(filepath.Join(cfg.DataDir, "segnum"), reservationSize)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening segment-number generator: %w", err)
	}

	d.stats, err = statsstore.NewStore(filepath.Join(cfg.DataDir, "stats"))
	if err != nil {
		return nil, fmt.Errorf("daemon: opening stats store: %w", err)
	}

	readSize := cfg.DefaultMaxPacketSize
	for _, peer := range cfg.Peers {
		if s := peer.EffectiveMaxPacketSize(cfg.DefaultMaxPacketSize); s > readSize {
			readSize = s
		}
	}
	d.manager, err = session.NewManager(d.socket, cfg.Workers, readSize+wireOverheadBudget, d.stats)
	if err != nil {
		return nil, fmt.Errorf("daemon: starting dispatcher: %w", err)
	}

	for _, peer := range cfg.Peers {
		maxPacket := peer.EffectiveMaxPacketSize(cfg.DefaultMaxPacketSize)
		peerAddr := fmt.Sprintf("%s:%d", peer.Address, peer.Port)

		for _, ch := range peer.Channels {
			if err := d.registerChannel(cfg, peer, ch, peerAddr, maxPacket); err != nil {
				return nil, fmt.Errorf("daemon: peer %q, channel %x: %w", peer.Name, ch.ID, err)
			}
		}
	}

	if cfg.StatusListen != "" {
		d.status, err = statusapi.New(cfg.StatusListen, d.manager, d.stats)
		if err != nil {
			return nil, fmt.Errorf("daemon: starting status API: %w", err)
		}
	}

	d.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("daemon: starting config watcher: %w", err)
	}
	if err := d.watcher.Add(path); err != nil {
		return nil, fmt.Errorf("daemon: watching %s: %w", path, err)
	}
	go watchConfig(d.watcher)

	ok = true
	return d, nil
}

// wireOverheadBudget is headroom added on top of the largest MaxPacketSize
// configured for any peer (a limit that already counts wire.HeaderLen and
// the AEAD tag), so the dispatcher's shared socket read buffer is never
// smaller than the largest packet any Connection might actually emit.
const wireOverheadBudget = 64

// registerChannel opens the channel's pair of FIFOs, builds its Connection,
// and registers it with the dispatcher under its 6-byte routing id
// (peer id || channel id, per pkg/session's ConnID convention).
func (d *daemon) registerChannel(cfg *config.Config, peer config.Peer, ch config.Channel, peerAddr string, maxPacket int) error {
	fromUser, err := pipeio.OpenFromUser(ch.Endpoint + fifoOutwardSuffix)
	if err != nil {
		return fmt.Errorf("opening from-user FIFO: %w", err)
	}
	d.fromUsers = append(d.fromUsers, fromUser)

	toUser, err := pipeio.OpenToUser(ch.Endpoint + fifoInwardSuffix)
	if err != nil {
		return fmt.Errorf("opening to-user FIFO: %w", err)
	}
	d.toUsers = append(d.toUsers, toUser)

	secretKey := peer.SharedSecret.Clone()
	c, err := conn.New(conn.Config{
		SelfID:        cfg.SelfID,
		PeerID:        peer.ID,
		ChannelID:     ch.ID,
		PeerAddr:      peerAddr,
		MaxPacketSize: maxPacket,
		SharedSecret:  &secretKey,
		FromUser:      fromUser,
		ToUser:        toUser,
		Socket:        d.socket,
		SegGen:        d.segGen,
	})
	if err != nil {
		return fmt.Errorf("constructing connection: %w", err)
	}

	var id [6]byte
	copy(id[0:4], peer.ID[:])
	copy(id[4:6], ch.ID[:])
	d.manager.Register(id, c, fromUser)

	log.WithFields(log.Fields{
		"peer":    peer.Name,
		"channel": fmt.Sprintf("%x", ch.ID),
	}).Info("Registered connection")

	return nil
}

// configureLogging applies [Logging] the way cmd/dtnd's parseCore does:
// parse the level if set, apply ReportCaller unconditionally, and default
// to a human-readable text formatter (this daemon's config has no Format
// field, so there is no JSON branch to mirror).
func configureLogging(cfg *config.Config) {
	if lvl, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.WithFields(log.Fields{
			"level":    cfg.LogLevel,
			"error":    err,
			"provided": "panic,fatal,error,warn,info,debug,trace",
		}).Warn("Failed to set log level. Please select one of the provided ones")
	} else {
		log.SetLevel(lvl)
	}

	log.SetReportCaller(cfg.LogReportCaller)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
}

// watchConfig logs a notice when the config file changes on disk. Live
// reload is out of scope (§1.3): the segment-number generator's on-disk
// state and the dispatcher's Connection registry are not built to be
// swapped out from under a running session.
func watchConfig(w *fsnotify.Watcher) {
	for {
		select {
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if e.Op&fsnotify.Write != 0 {
				log.Warn("config file changed on disk; restart to apply")
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Error("config watcher errored")
		}
	}
}

// Close tears down every collaborator, aggregating failures with
// go-multierror the way core/cla manager code in the teacher aggregates
// shutdown errors, rather than stopping at the first one.
func (d *daemon) Close() error {
	var errs *multierror.Error

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if d.status != nil {
		if err := d.status.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if d.manager != nil {
		if err := d.manager.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for _, f := range d.fromUsers {
		if err := f.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, t := range d.toUsers {
		if err := t.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if d.stats != nil {
		if err := d.stats.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if d.socket != nil {
		if err := d.socket.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}
