// Package agent supervises the configured workers: it builds them from the
// config, wires one pipe per (source, destination) pair, restarts crashed
// workers with crash-loop detection, and coordinates shutdown.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/logger"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/inputs"
	"github.com/bucky3/bucky3/plugins/outputs"
)

const (
	healthcheckInterval = 3 * time.Second
	// startHistory start timestamps are kept per worker; a full ring with a
	// mean inter-start interval under crashLoopMean means the worker cannot
	// recover and the whole process gives up.
	startHistory  = 10
	crashLoopMean = 60 * time.Second
	// restartDamper defers a restart attempted within a second of the
	// previous start.
	restartDamper = time.Second
	// joinTimeout bounds how long shutdown waits for each worker.
	joinTimeout = 5 * time.Second
)

type Agent struct {
	log     *logrus.Entry
	workers []*supervised
}

type supervised struct {
	module  *config.Module
	creator func() (pipeline.Worker, error)
	starts  []time.Time
	run     *running
}

type running struct {
	cancel context.CancelFunc
	done   chan error
}

// New validates the configuration and wires the pipes. Unknown module types,
// unconsumed config keys, missing sources or destinations, and dangling
// destination references are all fatal here.
func New(cfg *config.Config) (*Agent, error) {
	a := &Agent{log: logger.New("bucky3")}

	type inputModule struct {
		module  *config.Module
		creator inputs.Creator
		common  config.Common
		pipes   []*pipeline.Pipe
	}
	type outputModule struct {
		module  *config.Module
		creator outputs.Creator
		pipes   []*pipeline.Pipe
	}
	var srcs []*inputModule
	var dsts []*outputModule
	outputNames := make(map[string]*outputModule)

	for _, m := range cfg.Modules {
		if creator, ok := inputs.Inputs[m.Type]; ok {
			w := creator()
			if err := m.Decode(w); err != nil {
				return nil, err
			}
			srcs = append(srcs, &inputModule{module: m, creator: creator, common: *w.CommonConfig()})
			continue
		}
		if creator, ok := outputs.Outputs[m.Type]; ok {
			w := creator()
			if err := m.Decode(w); err != nil {
				return nil, err
			}
			om := &outputModule{module: m, creator: creator}
			dsts = append(dsts, om)
			outputNames[m.Name] = om
			continue
		}
		return nil, fmt.Errorf("invalid module type %s", m.Type)
	}
	if err := cfg.CheckUndecoded(); err != nil {
		return nil, err
	}
	if len(srcs) == 0 {
		return nil, fmt.Errorf("no source modules configured")
	}
	if len(dsts) == 0 {
		return nil, fmt.Errorf("no destination modules configured")
	}

	// One pipe per (source, destination) pair. Sharing a pipe between
	// sources would interleave their chunk streams on the receive side.
	for _, src := range srcs {
		targets := dsts
		if len(src.common.Destinations) > 0 {
			targets = nil
			for _, name := range src.common.Destinations {
				om, ok := outputNames[name]
				if !ok {
					return nil, fmt.Errorf("module %s: unknown destination %s", src.module.Name, name)
				}
				targets = append(targets, om)
			}
		}
		for _, dst := range targets {
			pipe := pipeline.NewPipe(src.module.Name, dst.module.Name)
			src.pipes = append(src.pipes, pipe)
			dst.pipes = append(dst.pipes, pipe)
		}
	}

	// Destinations first, the way the original wires them, so their receive
	// loops are up before sources start flushing.
	for _, dst := range dsts {
		dst := dst
		a.workers = append(a.workers, &supervised{
			module: dst.module,
			creator: func() (pipeline.Worker, error) {
				w := dst.creator()
				if err := dst.module.Decode(w); err != nil {
					return nil, err
				}
				w.SetSources(dst.pipes)
				return w, nil
			},
		})
	}
	for _, src := range srcs {
		src := src
		a.workers = append(a.workers, &supervised{
			module: src.module,
			creator: func() (pipeline.Worker, error) {
				w := src.creator()
				if err := src.module.Decode(w); err != nil {
					return nil, err
				}
				w.SetDestinations(src.pipes)
				return w, nil
			},
		})
	}
	return a, nil
}

// Run supervises until ctx is cancelled or a worker is declared
// unrecoverable. The returned error is nil only for a clean shutdown with
// no force-killed workers.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(healthcheckInterval)
	defer ticker.Stop()

	for {
		if err := a.healthcheck(); err != nil {
			a.shutdown()
			return err
		}
		select {
		case <-ctx.Done():
			if forced := a.shutdown(); forced > 0 {
				return fmt.Errorf("%d workers had to be killed", forced)
			}
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) healthcheck() error {
	for _, s := range a.workers {
		if s.run == nil {
			if err := a.start(s, "Starting %s"); err != nil {
				return err
			}
			continue
		}
		select {
		case err := <-s.run.done:
			s.run.cancel()
			s.run = nil
			if err != nil {
				a.log.Warnf("%s exited: %v", s.module.Name, err)
			}
			if len(s.starts) == startHistory {
				var total time.Duration
				for i := 1; i < len(s.starts); i++ {
					total += s.starts[i].Sub(s.starts[i-1])
				}
				if total/time.Duration(len(s.starts)-1) < crashLoopMean {
					a.log.Errorf("%s keeps failing, cannot recover", s.module.Name)
					return fmt.Errorf("%s keeps failing", s.module.Name)
				}
			}
			if time.Since(s.starts[len(s.starts)-1]) < restartDamper {
				a.log.Warnf("%s has stopped, too early for restart", s.module.Name)
				continue
			}
			if err := a.start(s, "%s has stopped, restarting"); err != nil {
				return err
			}
		default:
			a.log.Debugf("%s is up", s.module.Name)
		}
	}
	return nil
}

func (a *Agent) start(s *supervised, message string) error {
	s.starts = append(s.starts, time.Now())
	if len(s.starts) > startHistory {
		s.starts = s.starts[len(s.starts)-startHistory:]
	}
	w, err := s.creator()
	if err != nil {
		return err
	}
	a.log.Infof(message, s.module.Name)

	wctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- w.Run(wctx)
	}()
	s.run = &running{cancel: cancel, done: done}
	return nil
}

// shutdown requests termination from every running worker and waits up to
// the join timeout for each; workers that don't make it are abandoned and
// counted.
func (a *Agent) shutdown() int {
	for _, s := range a.workers {
		if s.run != nil {
			a.log.Infof("Stopping %s", s.module.Name)
			s.run.cancel()
		}
	}
	deadline := time.Now().Add(joinTimeout)
	forced := 0
	for _, s := range a.workers {
		if s.run == nil {
			continue
		}
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		select {
		case err := <-s.run.done:
			if err != nil {
				a.log.Warnf("%s exited: %v", s.module.Name, err)
			}
		case <-time.After(wait):
			a.log.Warnf("%s still running, killing", s.module.Name)
			forced++
		}
		s.run = nil
	}
	return forced
}
