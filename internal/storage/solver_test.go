package storage

import "testing"

func TestAddAndCheckSolver(t *testing.T) {
	s := newTestStorage(t)

	if err := s.AddSolver(&Solver{Pubkey: "solver-a", AddedBy: "admin"}); err != nil {
		t.Fatalf("AddSolver() error = %v", err)
	}

	ok, err := s.IsSolver("solver-a")
	if err != nil {
		t.Fatalf("IsSolver() error = %v", err)
	}
	if !ok {
		t.Fatal("expected solver-a to be a solver")
	}

	ok, err = s.IsSolver("nobody")
	if err != nil {
		t.Fatalf("IsSolver() error = %v", err)
	}
	if ok {
		t.Fatal("expected nobody to not be a solver")
	}
}

func TestAddSolverIsIdempotent(t *testing.T) {
	s := newTestStorage(t)

	if err := s.AddSolver(&Solver{Pubkey: "solver-b", AddedBy: "admin"}); err != nil {
		t.Fatalf("AddSolver() error = %v", err)
	}
	if err := s.AddSolver(&Solver{Pubkey: "solver-b", AddedBy: "admin"}); err != nil {
		t.Fatalf("second AddSolver() error = %v", err)
	}

	solvers, err := s.ListSolvers()
	if err != nil {
		t.Fatalf("ListSolvers() error = %v", err)
	}
	if len(solvers) != 1 {
		t.Fatalf("expected 1 solver, got %d", len(solvers))
	}
}

func TestRemoveSolver(t *testing.T) {
	s := newTestStorage(t)
	s.AddSolver(&Solver{Pubkey: "solver-c", AddedBy: "admin"})

	if err := s.RemoveSolver("solver-c"); err != nil {
		t.Fatalf("RemoveSolver() error = %v", err)
	}

	ok, err := s.IsSolver("solver-c")
	if err != nil {
		t.Fatalf("IsSolver() error = %v", err)
	}
	if ok {
		t.Fatal("expected solver-c to be removed")
	}
}
