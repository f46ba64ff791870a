// Package heartbeat runs the TCP listener the cones dial into. Each
// connection carries newline-delimited JSON heartbeats inbound and acks
// plus command frames outbound.
package heartbeat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agilityfleet/conectl/internal/clock"
	"github.com/agilityfleet/conectl/internal/config"
	"github.com/agilityfleet/conectl/internal/log"
	"github.com/agilityfleet/conectl/internal/metrics"
	"github.com/agilityfleet/conectl/internal/oplog"
	"github.com/agilityfleet/conectl/internal/protocol"
	"github.com/agilityfleet/conectl/internal/registry"
)

// maxFrameBytes bounds a single heartbeat line. Sensor payloads are a
// few hundred bytes; anything near this limit is a misbehaving client.
const maxFrameBytes = 64 * 1024

// TouchSink consumes attributed touch reports off the dispatch queue.
// Implemented by the session engine.
type TouchSink interface {
	HandleTouch(nodeID string, at time.Time)
}

type touchEvent struct {
	nodeID string
	at     time.Time
}

// Server accepts cone connections and pumps heartbeats.
type Server struct {
	cfg     config.AppConfig
	reg     *registry.Registry
	ops     *oplog.Ring
	sink    TouchSink
	clk     clock.Clock
	version string

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}

	touches chan touchEvent
	wg      sync.WaitGroup
}

// New builds a server. sink may be nil when no session engine is wired
// (touches are then counted and dropped).
func New(cfg config.AppConfig, reg *registry.Registry, ops *oplog.Ring, sink TouchSink, clk clock.Clock, version string) *Server {
	if clk == nil {
		clk = clock.System{}
	}
	return &Server{
		cfg:     cfg,
		reg:     reg,
		ops:     ops,
		sink:    sink,
		clk:     clk,
		version: version,
		conns:   make(map[net.Conn]struct{}),
		touches: make(chan touchEvent, cfg.TouchQueueDepth),
	}
}

// Run listens on cfg.HeartbeatAddr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("heartbeat")

	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     s.cfg.KeepaliveIdle,
			Interval: s.cfg.KeepaliveProbe,
			Count:    3,
		},
	}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.HeartbeatAddr)
	if err != nil {
		return fmt.Errorf("heartbeat: listen %s: %w", s.cfg.HeartbeatAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logger.Info().Str("addr", s.cfg.HeartbeatAddr).Msg("heartbeat listener up")

	s.wg.Add(1)
	go s.dispatchTouches(ctx)

	go func() {
		<-ctx.Done()
		s.shutdown(logger)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// shutdown closes the listener and all live connections, then bounds the
// wait for connection goroutines by ShutdownTimeout.
func (s *Server) shutdown(logger zerolog.Logger) {
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		logger.Warn().Msg("shutdown timeout waiting for heartbeat connections")
	}
}

// Addr returns the bound listener address (tests use port 0).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	peer := conn.RemoteAddr().String()
	logger := log.WithComponent("heartbeat").With().Str("peer", peer).Logger()
	writer := protocol.NewFrameWriter(conn)

	// node_id is only known after the first valid frame; until then the
	// registry is untouched.
	nodeID := ""
	defer func() {
		if nodeID != "" {
			s.reg.ClearWriter(nodeID)
			s.ops.Info("heartbeat", nodeID, "disconnected")
			logger.Info().Msg("cone disconnected")
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameBytes)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadline)); err != nil {
			return
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		hb, err := protocol.DecodeHeartbeat(line)
		if err != nil {
			metrics.RecordFrame("malformed")
			logger.Warn().Err(err).Msg("malformed heartbeat frame")
			_ = writer.WriteFrame(protocol.Ack{Ack: false, Error: "malformed frame", Timestamp: clock.ISO8601(s.clk.Now())})
			continue
		}
		metrics.RecordFrame("ok")

		id := hb.NodeID
		if id == "" {
			// Devices with unprovisioned IDs fall back to their peer
			// address so the fleet view still shows them.
			id = peer
		}
		if nodeID == "" {
			nodeID = id
			s.reg.SetWriter(nodeID, writer)
			ctx = log.ContextWithNodeID(ctx, nodeID)
			logger = log.WithContext(ctx, logger)
			s.ops.Info("heartbeat", nodeID, "connected from "+peer)
			logger.Info().Msg("cone connected")
		} else if id != nodeID {
			// A connection speaks for exactly one node.
			logger.Warn().Str("claimed", id).Msg("node id changed mid-connection")
			id = nodeID
		}

		s.reg.UpsertNode(id, registry.Update{
			Address:              peer,
			Sensors:              hb.Sensors,
			BatteryLevel:         hb.BatteryLevel,
			ClockSkewMS:          hb.ClockSkewMS,
			AccelerometerWorking: hb.AccelerometerWorking,
			AudioWorking:         hb.AudioWorking,
		})

		if hb.TouchDetected {
			at := s.clk.Now()
			if hb.TouchTimestamp > 0 {
				sec := int64(hb.TouchTimestamp)
				nsec := int64((hb.TouchTimestamp - float64(sec)) * 1e9)
				at = time.Unix(sec, nsec).UTC()
			}
			s.enqueueTouch(touchEvent{nodeID: id, at: at})
		}

		if err := writer.WriteFrame(s.buildAck(id, hb)); err != nil {
			logger.Debug().Err(err).Msg("ack write failed")
			return
		}
	}
}

// buildAck assembles the per-heartbeat reply: assignment, course status,
// master clock, and the latched LED/audio so rebooted cones converge.
func (s *Server) buildAck(nodeID string, hb *protocol.Heartbeat) protocol.Ack {
	now := s.clk.Now()
	ack := protocol.Ack{
		Ack:           true,
		CourseStatus:  s.reg.CourseStatus(),
		Timestamp:     clock.ISO8601(now),
		MasterTime:    now.UnixMilli(),
		MeshNetwork:   s.cfg.MeshNetwork,
		ServerVersion: s.version,
	}
	if action, ok := s.reg.Assignment(nodeID); ok {
		ack.Action = &action
	}
	led, audio := s.reg.CommandedState(nodeID)
	ack.LEDPattern = led
	ack.AudioClip = audio

	if hb.FirstConnect {
		ack.Resync = true
	} else if hb.ClockSkewMS != nil {
		skew := *hb.ClockSkewMS
		if skew < 0 {
			skew = -skew
		}
		if skew > s.cfg.SkewThresholdMS {
			ack.Resync = true
		}
	}
	return ack
}

// enqueueTouch adds a touch to the dispatch queue, evicting the oldest
// entry when full. A fresh touch is always worth more than a stale one.
func (s *Server) enqueueTouch(ev touchEvent) {
	logger := log.WithComponent("heartbeat")
	for {
		select {
		case s.touches <- ev:
			return
		default:
		}
		select {
		case old := <-s.touches:
			metrics.DroppedTouchesTotal.Inc()
			logger.Warn().
				Str("node_id", old.nodeID).
				Msg("touch dropped, dispatch queue full")
		default:
		}
	}
}

// dispatchTouches drains the queue into the session engine serially, so
// attribution sees touches in arrival order.
func (s *Server) dispatchTouches(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.touches:
			if s.sink == nil {
				metrics.RecordTouch("unrouted")
				continue
			}
			s.sink.HandleTouch(ev.nodeID, ev.at)
		}
	}
}
