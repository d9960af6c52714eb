package scoring

import "context"

// Stub is a canned Scorer for tests and local runs.
type Stub struct {
	Result *Result
	Err    error
	Calls  int
}

func (s *Stub) Score(_ context.Context, _ Request) (*Result, error) {
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	cp := *s.Result
	return &cp, nil
}
