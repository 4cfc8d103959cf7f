// Copyright 2026 The GoMPI Authors. SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/gompi/backends"
	"github.com/gomlx/gompi/comms"
)

// InstrumentEnv enables the default logging instrumentation when set to any
// non-empty value, without code changes. See SetInstrumentation.
const InstrumentEnv = "GOMPI_INSTRUMENT"

// CallInfo describes one completed native call for instrumentation purposes:
// which operation ran, how much data it moved on this rank and how long the
// native library blocked. It is purely observational.
type CallInfo struct {
	Op       backends.OpType
	DType    dtypes.DType
	Comm     comms.Communicator
	BytesIn  int
	BytesOut int
	Start    time.Time
	End      time.Time
}

// InstrumentFn receives one CallInfo per native call, after the call returns.
// It runs on the calling goroutine: keep it cheap. It cannot alter the call's
// arguments or outcome.
type InstrumentFn func(info CallInfo)

var instrument atomic.Pointer[InstrumentFn]

// SetInstrumentation installs fn as the per-call observer, replacing any
// previous one. Pass nil to disable. Safe to call concurrently with running
// graphs; in-flight calls may still report to the previous observer.
func SetInstrumentation(fn InstrumentFn) {
	if fn == nil {
		instrument.Store(nil)
		return
	}
	instrument.Store(&fn)
}

// LogInstrumentation is the default observer: one klog V(1) line per call.
func LogInstrumentation(info CallInfo) {
	klog.V(1).Infof("comm call %s[%s] on communicator %d: %s sent, %s received, blocked %s",
		info.Op, info.DType, info.Comm,
		humanize.IBytes(uint64(info.BytesIn)), humanize.IBytes(uint64(info.BytesOut)),
		info.End.Sub(info.Start))
}

func init() {
	if os.Getenv(InstrumentEnv) != "" {
		SetInstrumentation(LogInstrumentation)
	}
}

func now() time.Time {
	if instrument.Load() == nil {
		return time.Time{}
	}
	return time.Now()
}

func observe(frame *CallFrame, start time.Time) {
	fn := instrument.Load()
	if fn == nil {
		return
	}
	elemSize := int(frame.DType.Memory())
	(*fn)(CallInfo{
		Op:       frame.Op,
		DType:    frame.DType,
		Comm:     frame.Comm,
		BytesIn:  frame.CountIn * elemSize,
		BytesOut: frame.CountOut * elemSize,
		Start:    start,
		End:      time.Now(),
	})
}
