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
	"time"
)

const (
	budgetWindow = 500 * time.Millisecond
)

// IntervalBudget is a token bucket refilled at a target rate and capped at one budget window worth of data.
// Accounting is in bits so that low rates and short refill steps do not lose precision.
type IntervalBudget struct {
	targetRateBps      int64
	maxBits            int64
	remainingBits      int64
	canBuildUpUnderuse bool
}

func NewIntervalBudget(initialTargetRateBps int64, canBuildUpUnderuse bool) *IntervalBudget {
	b := &IntervalBudget{
		canBuildUpUnderuse: canBuildUpUnderuse,
	}
	b.SetTargetRate(initialTargetRateBps)
	return b
}

func (b *IntervalBudget) SetTargetRate(targetRateBps int64) {
	if targetRateBps < 0 {
		targetRateBps = 0
	}
	b.targetRateBps = targetRateBps
	b.maxBits = targetRateBps * int64(budgetWindow) / int64(time.Second)
	b.remainingBits = min(max(b.remainingBits, -b.maxBits), b.maxBits)
}

func (b *IntervalBudget) TargetRate() int64 {
	return b.targetRateBps
}

func (b *IntervalBudget) IncreaseBudget(delta time.Duration) {
	bits := b.targetRateBps * delta.Microseconds() / 1e6
	if b.remainingBits < 0 || b.canBuildUpUnderuse {
		// carry over the deficit, or the surplus when under use may accumulate
		b.remainingBits = min(b.remainingBits+bits, b.maxBits)
	} else {
		b.remainingBits = min(bits, b.maxBits)
	}
}

func (b *IntervalBudget) UseBudget(bytes int) {
	b.remainingBits = max(b.remainingBits-int64(bytes)*8, -b.maxBits)
}

func (b *IntervalBudget) BytesRemaining() int {
	return int(max(b.remainingBits, 0) / 8)
}

// InDebt is true while previous sends have not been paid back by refills.
func (b *IntervalBudget) InDebt() bool {
	return b.remainingBits < 0
}
