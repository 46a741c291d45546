// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pacer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"
)

const (
	maxProcessThreadWait = time.Minute
)

// Module is scheduled by a ProcessThread. Process is invoked once TimeUntilNextProcess has elapsed.
type Module interface {
	TimeUntilNextProcess() time.Duration
	Process()
}

type moduleCallback struct {
	module       Module
	nextCallback time.Time // zero means recompute
}

type ProcessThreadParams struct {
	Name   string
	Clock  clock.Clock
	Logger logger.Logger
}

// ProcessThread is a cooperative scheduler running all registered modules on one goroutine.
type ProcessThread struct {
	params ProcessThreadParams

	lock    sync.Mutex
	modules []*moduleCallback
	running bool

	wake chan struct{}
	stop core.Fuse
	done chan struct{}
}

func NewProcessThread(params ProcessThreadParams) *ProcessThread {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	return &ProcessThread{
		params: params,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *ProcessThread) Start() {
	p.lock.Lock()
	if p.running || p.stop.IsBroken() {
		p.lock.Unlock()
		return
	}
	p.running = true
	p.lock.Unlock()

	p.params.Logger.Debugw("process thread starting", "name", p.params.Name)
	go p.worker()
}

// Stop waits for the worker to exit. A stopped thread cannot be restarted.
func (p *ProcessThread) Stop() {
	p.lock.Lock()
	running := p.running
	p.lock.Unlock()

	p.stop.Break()
	if running {
		<-p.done
	}
	p.params.Logger.Debugw("process thread stopped", "name", p.params.Name)
}

func (p *ProcessThread) RegisterModule(module Module) {
	p.lock.Lock()
	for _, mc := range p.modules {
		if mc.module == module {
			p.lock.Unlock()
			p.params.Logger.Warnw("module already registered", nil, "name", p.params.Name)
			return
		}
	}
	p.modules = append(p.modules, &moduleCallback{module: module})
	p.lock.Unlock()

	p.signal()
}

func (p *ProcessThread) DeRegisterModule(module Module) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for i, mc := range p.modules {
		if mc.module == module {
			p.modules = append(p.modules[:i], p.modules[i+1:]...)
			return
		}
	}
}

// WakeUp makes the thread query the module for its next process time.
func (p *ProcessThread) WakeUp(module Module) {
	p.lock.Lock()
	for _, mc := range p.modules {
		if mc.module == module {
			mc.nextCallback = time.Time{}
		}
	}
	p.lock.Unlock()

	p.signal()
}

func (p *ProcessThread) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *ProcessThread) worker() {
	defer close(p.done)

	timer := p.params.Clock.Timer(maxProcessThreadWait)
	defer timer.Stop()

	for {
		wait := p.process()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-p.wake:
		case <-p.stop.Watch():
			return
		}
	}
}

// process runs all due modules and returns how long to wait for the next one.
func (p *ProcessThread) process() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()

	now := p.params.Clock.Now()
	nextCheckpoint := now.Add(maxProcessThreadWait)
	for _, mc := range p.modules {
		if mc.nextCallback.IsZero() {
			mc.nextCallback = now.Add(mc.module.TimeUntilNextProcess())
		}

		if !mc.nextCallback.After(now) {
			mc.module.Process()

			mc.nextCallback = p.params.Clock.Now().Add(mc.module.TimeUntilNextProcess())
		}

		if mc.nextCallback.Before(nextCheckpoint) {
			nextCheckpoint = mc.nextCallback
		}
	}

	return max(nextCheckpoint.Sub(p.params.Clock.Now()), 0)
}

// ------------------------------------------------
