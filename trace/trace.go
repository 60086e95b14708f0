// Package trace records VM runtime events into a SQLite database for
// offline analysis of GC and JIT behavior across runs.
package trace

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/azuracode464/Kava/vm"
)

var log = commonlog.GetLogger("kava.trace")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	program    TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);
CREATE TABLE IF NOT EXISTS gc_events (
	run_id            TEXT NOT NULL REFERENCES runs(id),
	at                INTEGER NOT NULL,
	kind              TEXT NOT NULL,
	pause_us          INTEGER NOT NULL,
	bytes_collected   INTEGER NOT NULL,
	objects_collected INTEGER NOT NULL,
	heap_used         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS jit_events (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	at             INTEGER NOT NULL,
	start_pc       INTEGER NOT NULL,
	end_pc         INTEGER NOT NULL,
	opt_level      TEXT NOT NULL,
	words          INTEGER NOT NULL,
	compile_us     INTEGER NOT NULL
);
`

// Recorder writes one run's events. It is wired to a VM through Attach and
// closed with Finish.
type Recorder struct {
	db    *sql.DB
	runID string
}

// Open creates or opens the trace database at path and starts a new run
// identified by a fresh UUID.
func Open(path, program string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace: create schema: %w", err)
	}

	r := &Recorder{db: db, runID: uuid.NewString()}
	_, err = db.Exec(`INSERT INTO runs (id, program, started_at) VALUES (?, ?, ?)`,
		r.runID, program, time.Now().UnixMicro())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("trace: start run: %w", err)
	}
	log.Infof("recording run %s to %s", r.runID, path)
	return r, nil
}

// RunID returns the UUID identifying this run.
func (r *Recorder) RunID() string { return r.runID }

// Attach subscribes the recorder to a VM's GC and JIT event hooks.
func (r *Recorder) Attach(m *vm.VM) {
	m.GC().OnEvent = r.RecordGC
	if jit := m.JIT(); jit != nil {
		jit.OnCompile = r.RecordCompile
	}
}

// RecordGC inserts one collection event.
func (r *Recorder) RecordGC(ev vm.GCEvent) {
	_, err := r.db.Exec(
		`INSERT INTO gc_events (run_id, at, kind, pause_us, bytes_collected, objects_collected, heap_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.runID, time.Now().UnixMicro(), string(ev.Kind), ev.Pause.Microseconds(),
		ev.BytesCollected, ev.ObjectsCollected, ev.HeapUsed)
	if err != nil {
		log.Errorf("record gc event: %v", err)
	}
}

// RecordCompile inserts one JIT compilation event.
func (r *Recorder) RecordCompile(cc *vm.CompiledCode) {
	_, err := r.db.Exec(
		`INSERT INTO jit_events (run_id, at, start_pc, end_pc, opt_level, words, compile_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.runID, time.Now().UnixMicro(), cc.OriginalStart, cc.OriginalEnd,
		cc.Level.String(), len(cc.Optimized), cc.CompileTime.Microseconds())
	if err != nil {
		log.Errorf("record jit event: %v", err)
	}
}

// Finish stamps the run's end time and closes the database.
func (r *Recorder) Finish() error {
	_, err := r.db.Exec(`UPDATE runs SET ended_at = ? WHERE id = ?`,
		time.Now().UnixMicro(), r.runID)
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}
