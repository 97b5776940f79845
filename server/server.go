// server.go - mix node server.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package server wires the mix node's components (SPEC_FULL.md §4/§5)
// into a single running instance, continuing the teacher's
// initDataDir/initLogging/New/Shutdown shape.
package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/vx0net/mixnode/config"
	"github.com/vx0net/mixnode/internal/bufpool"
	"github.com/vx0net/mixnode/internal/cover"
	"github.com/vx0net/mixnode/internal/delivery"
	"github.com/vx0net/mixnode/internal/egress"
	"github.com/vx0net/mixnode/internal/ingress"
	"github.com/vx0net/mixnode/internal/metrics"
	"github.com/vx0net/mixnode/internal/pathsel"
	"github.com/vx0net/mixnode/internal/ratelimit"
	"github.com/vx0net/mixnode/internal/registry"
	"github.com/vx0net/mixnode/internal/sphinx"
	"github.com/vx0net/mixnode/spool"
	"github.com/vx0net/mixnode/userdb"
	"github.com/vx0net/mixnode/userdb/boltuserdb"
)

const fileMode = 0600

// ErrGenerateOnly is the error returned when server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a mix node instance.
type Server struct {
	cfg *config.Config

	identityKey sphinx.PrivateKey
	vrfKey      pathsel.VRFPrivateKey

	logBackend logging.LeveledBackend
	log        *logging.Logger

	metricsReg *prometheus.Registry
	metrics    *metrics.Prometheus

	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	selector  *pathsel.Selector
	egressMgr *egress.Egress
	ingressLn *ingress.Ingress
	cover     *cover.Scheduler

	spool  spool.Spool
	userDB userdb.UserDB
	deliv  *delivery.Provider

	haltOnce sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else if !fi.IsDir() {
		return fmt.Errorf("server: DataDir '%v' is not a directory", d)
	}

	return nil
}

func (s *Server) initLogging() error {
	var f io.Writer
	if s.cfg.Logging.Disable {
		f = io.Discard
	} else if s.cfg.Logging.File == "" {
		f = os.Stdout
	} else {
		p := s.cfg.Logging.File
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}

		var err error
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		f, err = os.OpenFile(p, flags, fileMode)
		if err != nil {
			return fmt.Errorf("server: failed to create log file: %v", err)
		}
	}

	logFmt := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	b := logging.NewLogBackend(f, "", 0)
	bFmt := logging.NewBackendFormatter(b, logFmt)
	bl := logging.AddModuleLevel(bFmt)
	s.logBackend = bl
	s.logBackend.SetLevel(logLevelFromString(s.cfg.Logging.Level), "")
	s.log = s.newLogger("server")

	return nil
}

func (s *Server) newLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(s.logBackend)
	return l
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	// WARNING: the ordering of operations here is deliberate: stop
	// traffic sources before tearing down the things they depend on.

	if s.log != nil {
		s.log.Notice("Starting graceful shutdown.")
	}

	if s.cover != nil {
		s.cover.Halt()
		s.cover = nil
	}

	if s.ingressLn != nil {
		s.ingressLn.Halt()
		s.ingressLn = nil
	}

	if s.deliv != nil {
		s.deliv.Halt()
		s.deliv = nil
	}

	if s.egressMgr != nil {
		s.egressMgr.Halt()
		s.egressMgr = nil
	}

	if s.userDB != nil {
		s.userDB.Close()
		s.userDB = nil
	}
	if s.spool != nil {
		s.spool.Close()
		s.spool = nil
	}

	if s.log != nil {
		s.log.Notice("Shutdown complete.")
	}
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg

	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	if err := s.initIdentity(); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	if err := s.initVRFKey(); err != nil {
		s.log.Errorf("Failed to initialize VRF key: %v", err)
		return nil, err
	}

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	s.metricsReg = prometheus.NewRegistry()
	s.metrics = metrics.NewPrometheus(s.metricsReg)

	s.registry = registry.New(registry.DefaultActivityWindow)

	banDuration, err := s.cfg.BanDuration()
	if err != nil {
		return nil, err
	}
	s.limiter = ratelimit.New(ratelimit.Config{
		GlobalCapacity:    float64(s.cfg.RateLimit.GlobalPacketsPerSecond),
		GlobalRefillRate:  float64(s.cfg.RateLimit.GlobalPacketsPerSecond),
		PerSourceCapacity: float64(s.cfg.RateLimit.BurstSize),
		PerSourceRefill:   float64(s.cfg.RateLimit.PerSourcePerSecond),
		ViolationThreshold: s.cfg.RateLimit.BanThreshold,
		BanDuration:        banDuration,
	}, s.metricsReg)

	s.selector = pathsel.NewSelector(s.vrfKey, s.registry, s.cfg.PathSelection.CacheCapacity)

	s.egressMgr = egress.New(egress.Config{
		DialTimeout:       time.Duration(s.cfg.Egress.DialTimeoutMsec) * time.Millisecond,
		RetryAttempts:     s.cfg.Egress.RetryAttempts,
		HeartbeatInterval: time.Duration(s.cfg.Egress.HeartbeatIntervalSec) * time.Second,
		UnhealthyAfter:    time.Duration(s.cfg.Egress.UnhealthyAfterSec) * time.Second,
		CircuitThreshold:  s.cfg.Egress.CircuitFailThreshold,
		CircuitTimeout:    time.Duration(s.cfg.Egress.CircuitOpenTimeoutSec) * time.Second,
		Log:               s.newLogger("egress"),
	})

	if s.cfg.Server.IsProvider {
		if err := s.initProvider(); err != nil {
			s.log.Errorf("Failed to initialize provider backend: %v", err)
			return nil, err
		}
	}

	floor := time.Duration(s.cfg.Debug.ConstantTimeFloorUsec) * time.Microsecond
	ingressCfg := ingress.Config{
		ListenAddr:  s.cfg.Ingress.ListenAddr,
		Workers:     s.cfg.Ingress.Workers,
		ChannelSize: s.cfg.Ingress.ChannelSize,
		NewProcessor: func() ingress.PacketProcessor {
			pool := bufpool.New(sphinx.PacketSize, 256)
			return sphinx.NewProcessor(s.identityKey, floor, pool)
		},
		Limiter: s.limiter,
		Egress:  s.egressMgr,
		Sink:    s.metrics,
		Log:     s.newLogger("ingress"),
		NextHopAddrs: func(id [sphinx.NextHopIDSize]byte) (string, bool) {
			var nodeID registry.NodeID
			copy(nodeID[:], id[:])
			d, ok := s.registry.Lookup(nodeID)
			if !ok {
				return "", false
			}
			return d.Address, true
		},
	}
	// s.deliv is a typed *delivery.Provider; only wire it when non-nil so
	// the Deliverer interface field stays truly nil on non-provider nodes
	// (a nil *Provider boxed in the interface would compare non-nil).
	if s.deliv != nil {
		ingressCfg.Deliver = s.deliv
	}
	s.ingressLn = ingress.New(ingressCfg)
	if err := s.ingressLn.Start(); err != nil {
		s.log.Errorf("Failed to start ingress: %v", err)
		return nil, err
	}

	s.cover = cover.New(s.cfg.Debug.CoverTrafficLambda, s.registry, func(id registry.NodeID) (string, bool) {
		d, ok := s.registry.Lookup(id)
		if !ok {
			return "", false
		}
		return d.Address, true
	}, s.egressMgr, s.newLogger("cover"))
	if !s.cfg.Debug.DisableCoverTraffic {
		s.cover.Enable()
	}

	isOk = true
	return s, nil
}

// initProvider wires the spool and recipient database backing the
// Deliver-branch delivery collaborator (DESIGN.md H2).
func (s *Server) initProvider() error {
	spoolPath := filepath.Join(s.cfg.Server.DataDir, "spool.db")
	sp, err := spool.New(spoolPath)
	if err != nil {
		return fmt.Errorf("server: failed to open spool: %w", err)
	}
	s.spool = sp

	userDBPath := filepath.Join(s.cfg.Server.DataDir, "users.db")
	udb, err := boltuserdb.New(userDBPath)
	if err != nil {
		return fmt.Errorf("server: failed to open user database: %w", err)
	}
	s.userDB = udb

	s.deliv = delivery.New(s.spool, s.userDB, s.metrics, s.newLogger("provider"))
	return nil
}

// SelectPath exposes the external select_path interface of spec.md §6 to
// callers building a multi-hop route through this node's registry view.
func (s *Server) SelectPath(streamID []byte, epoch uint64, length int) ([]pathsel.NodeID, error) {
	return s.selector.SelectPath(streamID, epoch, length)
}

// RegistryEvent feeds one discovery-collaborator update (spec.md §6) into
// the shared node registry.
func (s *Server) RegistryEvent(ev registry.Event) {
	s.registry.Apply(ev)
}

func logLevelFromString(l string) logging.Level {
	switch l {
	case "ERROR":
		return logging.ERROR
	case "WARNING":
		return logging.WARNING
	case "NOTICE":
		return logging.NOTICE
	case "INFO":
		return logging.INFO
	case "DEBUG":
		return logging.DEBUG
	default:
		return logging.NOTICE
	}
}
