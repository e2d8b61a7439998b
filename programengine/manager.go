// Package programengine keeps one rule engine per tracker program.
package programengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/liamcoop/trackerrules/internal/logger"
	"github.com/liamcoop/trackerrules/rules"
)

var (
	ErrProgramNotFound = errors.New("program not found")
	ErrProgramExists   = errors.New("program already exists")
)

// StoreFactory returns the rule store of a program
type StoreFactory func(programID string) rules.RuleStore

// ProgramEngine wraps a rules.Engine with program metadata
type ProgramEngine struct {
	ProgramID string
	Name      string
	Engine    *rules.Engine
}

// Manager manages the engines of all programs
type Manager struct {
	engines  map[string]*ProgramEngine
	db       *sql.DB // nil when stores are not database backed
	newStore StoreFactory
	opts     []rules.Option
	mu       sync.RWMutex
}

// NewManager creates a manager whose programs live in PostgreSQL
func NewManager(db *sql.DB, opts ...rules.Option) *Manager {
	return &Manager{
		engines: make(map[string]*ProgramEngine),
		db:      db,
		newStore: func(programID string) rules.RuleStore {
			return rules.NewPostgresRuleStore(db, programID)
		},
		opts: opts,
	}
}

// NewManagerWithStores creates a manager that only keeps programs in memory
// and asks factory for their stores
func NewManagerWithStores(factory StoreFactory, opts ...rules.Option) *Manager {
	return &Manager{
		engines:  make(map[string]*ProgramEngine),
		newStore: factory,
		opts:     opts,
	}
}

// LoadAllPrograms loads all programs from the database and initializes their engines
func (m *Manager) LoadAllPrograms(ctx context.Context) error {
	if m.db == nil {
		return errors.New("no database configured")
	}

	rows, err := m.db.QueryContext(ctx, `SELECT id, name FROM programs ORDER BY name`)
	if err != nil {
		return fmt.Errorf("failed to fetch programs: %w", err)
	}
	defer rows.Close()

	type program struct{ id, name string }
	var programs []program
	for rows.Next() {
		var p program
		if err := rows.Scan(&p.id, &p.name); err != nil {
			return fmt.Errorf("failed to scan program row: %w", err)
		}
		programs = append(programs, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating program rows: %w", err)
	}

	for _, p := range programs {
		pe, err := m.build(p.id, p.name)
		if err != nil {
			return fmt.Errorf("failed to initialize program %s: %w", p.id, err)
		}
		m.mu.Lock()
		m.engines[p.id] = pe
		m.mu.Unlock()
	}

	logger.Info("Loaded programs", "count", len(programs))
	return nil
}

func (m *Manager) build(programID, name string) (*ProgramEngine, error) {
	engine, err := rules.NewEngine(m.newStore(programID), m.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return &ProgramEngine{ProgramID: programID, Name: name, Engine: engine}, nil
}

// CreateProgram registers a new program and starts its engine
func (m *Manager) CreateProgram(ctx context.Context, name string) (*ProgramEngine, error) {
	if err := ValidateProgramName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pe := range m.engines {
		if pe.Name == name {
			return nil, fmt.Errorf("program %q: %w", name, ErrProgramExists)
		}
	}

	programID := uuid.New().String()
	if m.db != nil {
		_, err := m.db.ExecContext(ctx, `INSERT INTO programs (id, name) VALUES ($1, $2)`, programID, name)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("program %q: %w", name, ErrProgramExists)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert program: %w", err)
		}
	}

	pe, err := m.build(programID, name)
	if err != nil {
		if m.db != nil {
			if _, delErr := m.db.ExecContext(ctx, `DELETE FROM programs WHERE id = $1`, programID); delErr != nil {
				logger.Error("Failed to remove program row", "program_id", programID, "error", delErr)
			}
		}
		return nil, err
	}
	m.engines[programID] = pe

	logger.Info("Program created", "program_id", programID, "name", name)
	return pe, nil
}

// Program returns a program with its engine
func (m *Manager) Program(programID string) (*ProgramEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pe, exists := m.engines[programID]
	if !exists {
		return nil, fmt.Errorf("program %s: %w", programID, ErrProgramNotFound)
	}
	return pe, nil
}

// GetEngine retrieves the engine for a specific program
func (m *Manager) GetEngine(programID string) (*rules.Engine, error) {
	pe, err := m.Program(programID)
	if err != nil {
		return nil, err
	}
	return pe.Engine, nil
}

// ReloadProgram rebuilds a program's engine from its store and swaps it in.
// Evaluations already running keep the old engine.
func (m *Manager) ReloadProgram(programID string) error {
	existing, err := m.Program(programID)
	if err != nil {
		return err
	}

	pe, err := m.build(programID, existing.Name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.engines[programID] = pe
	m.mu.Unlock()

	logger.Info("Program reloaded", "program_id", programID)
	return nil
}

// ListPrograms returns the loaded programs sorted by name
func (m *Manager) ListPrograms() []*ProgramEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()

	programs := make([]*ProgramEngine, 0, len(m.engines))
	for _, pe := range m.engines {
		programs = append(programs, pe)
	}
	sort.Slice(programs, func(i, j int) bool {
		return programs[i].Name < programs[j].Name
	})
	return programs
}

// DeleteProgram removes a program. Its rules and variables are deleted with
// it when the manager is database backed.
func (m *Manager) DeleteProgram(ctx context.Context, programID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[programID]; !exists {
		return fmt.Errorf("program %s: %w", programID, ErrProgramNotFound)
	}

	if m.db != nil {
		if _, err := m.db.ExecContext(ctx, `DELETE FROM programs WHERE id = $1`, programID); err != nil {
			return fmt.Errorf("failed to delete program: %w", err)
		}
	}

	delete(m.engines, programID)
	return nil
}
