package storage

import (
	"context"
	"errors"
)

// VectorState loads the raw embeddings container artifact.
type VectorState interface {
	Load(ctx context.Context) ([]byte, error)
}

// MetadataState loads the raw corpus metadata artifact.
type MetadataState interface {
	Load(ctx context.Context) ([]byte, error)
}

// RulesState loads the raw composite-decomposition rules artifact.
type RulesState interface {
	Load(ctx context.Context) ([]byte, error)
}

// TestState is a simple in-memory artifact source for testing
type TestState struct {
	data []byte
	err  error
}

func NewTestState(data []byte) *TestState {
	return &TestState{data: data}
}

func NewTestStateWithError() *TestState {
	return &TestState{err: errors.New("not found")}
}

func (t *TestState) Load(ctx context.Context) ([]byte, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.data, nil
}
