// Package jit is the tiered optimizing compiler manager: a
// None/Queued/Running/Ready state machine, a single background
// worker, and a producer/consumer queue the interpreter feeds without
// ever blocking on compilation.
package jit

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Rorikss/UMKA/internal/bytecode"
	"github.com/Rorikss/UMKA/internal/jit/passes"
)

// State is the compilation lifecycle of one function.
type State int

const (
	None State = iota
	Queued
	Running
	Ready
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Logger is the minimal sink the manager reports cycle completions to.
type Logger interface {
	Logf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...interface{}) {}

type job struct {
	fid  int64
	code []bytecode.Instruction
}

// Manager owns the optimization worker and the published jitted-code
// table the interpreter consults at every CALL.
type Manager struct {
	mu sync.Mutex

	states map[int64]State
	jitted map[int64][]bytecode.Instruction

	constants   []bytecode.Constant // program-wide pool; grows as passes fold new constants
	internIndex map[string]int64

	queue  chan job
	logger Logger
	once   sync.Once
	closed bool
}

// NewManager spawns the single background optimization worker,
// seeded with the program's constant pool so passes can intern new
// folded constants against it.
func NewManager(initialConstants []bytecode.Constant, logger Logger) *Manager {
	if logger == nil {
		logger = nopLogger{}
	}
	m := &Manager{
		states:      map[int64]State{},
		jitted:      map[int64][]bytecode.Instruction{},
		constants:   append([]bytecode.Constant{}, initialConstants...),
		internIndex: map[string]int64{},
		queue:       make(chan job, 64),
		logger:      logger,
	}
	go m.workerLoop()
	return m
}

// State reports the current compilation state of fid.
func (m *Manager) State(fid int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[fid]
}

// HasJitted reports whether an optimized body is published and ready.
func (m *Manager) HasJitted(fid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[fid] == Ready
}

// TryGetJitted is the non-blocking read the interpreter performs on
// every CALL; it never waits on the worker.
func (m *Manager) TryGetJitted(fid int64) ([]bytecode.Instruction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[fid] != Ready {
		return nil, false
	}
	code := m.jitted[fid]
	return code, true
}

// RequestJIT enqueues fid for compilation if it is not already
// Queued/Running/Ready — idempotent. code is copied defensively so
// later mutation of the caller's slice can't race with the worker.
func (m *Manager) RequestJIT(fid int64, code []bytecode.Instruction) {
	m.mu.Lock()
	if m.closed || m.states[fid] != None {
		m.mu.Unlock()
		return
	}
	m.states[fid] = Queued
	cp := make([]bytecode.Instruction, len(code))
	copy(cp, code)
	m.mu.Unlock()

	m.queue <- job{fid: fid, code: cp}
}

func (m *Manager) workerLoop() {
	for j := range m.queue {
		m.mu.Lock()
		m.states[j.fid] = Running
		snapshot := append([]bytecode.Constant{}, m.constants...)
		m.mu.Unlock()

		optimized := m.runPipeline(j.code, snapshot)

		m.mu.Lock()
		m.jitted[j.fid] = optimized
		m.states[j.fid] = Ready
		m.mu.Unlock()

		runID := uuid.New().String()
		m.logger.Logf("jit: function %d optimized (%d -> %d instructions), run %s",
			j.fid, len(j.code), len(optimized), runID)
	}
}

// runPipeline composes ConstantPropagation -> ConstFolding ->
// ConstantPropagation -> DeadCodeElimination.
func (m *Manager) runPipeline(code []bytecode.Instruction, constants []bytecode.Constant) []bytecode.Instruction {
	intern := func(c bytecode.Constant) int64 {
		return m.intern(c)
	}
	code = passes.ConstantPropagation(code, m.snapshotConstants(), intern)
	code = passes.ConstFolding(code, m.snapshotConstants(), intern)
	code = passes.ConstantPropagation(code, m.snapshotConstants(), intern)
	code = passes.DeadCodeElimination(code)
	return code
}

func (m *Manager) snapshotConstants() []bytecode.Constant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.constants
}

// intern deduplicates and appends a constant to the shared pool under
// lock, returning its program-wide index. New entries published by a
// pass become visible to the interpreter because Manager and the
// interpreter's Program share no pool copy — callers must read the
// grown pool back out via Constants() after a cycle completes, which
// internal/vm's JIT wiring does each time it swaps in optimized code.
func (m *Manager) intern(c bytecode.Constant) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.constants {
		if existing.Equal(c) {
			return int64(i)
		}
	}
	m.constants = append(m.constants, c)
	return int64(len(m.constants) - 1)
}

// Constants returns the manager's current constant pool, which may have
// grown beyond the program's original pool as passes fold new values.
func (m *Manager) Constants() []bytecode.Constant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bytecode.Constant{}, m.constants...)
}

// Stop closes the work queue and lets the worker goroutine drain and
// exit; safe to call once, from tests or on interpreter shutdown.
func (m *Manager) Stop() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.queue)
	})
}
