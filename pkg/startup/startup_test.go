package startup

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDependency struct {
	name      string
	dependsOn []string
	startErr  error
	onStart   func()
	onStop    func()
}

func (d *fakeDependency) GetName() string     { return d.name }
func (d *fakeDependency) DependsOn() []string { return d.dependsOn }
func (d *fakeDependency) Start(ctx context.Context) error {
	if d.onStart != nil {
		d.onStart()
	}
	return d.startErr
}
func (d *fakeDependency) Stop(ctx context.Context) error {
	if d.onStop != nil {
		d.onStop()
	}
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
}

func TestStartup_OrdersByDependency(t *testing.T) {
	var started []string
	record := func(name string) func() {
		return func() { started = append(started, name) }
	}

	s := NewStartup(testLogger(), 1)
	s.AddDependency(&fakeDependency{name: "consumer", dependsOn: []string{"engine"}, onStart: record("consumer")})
	s.AddDependency(&fakeDependency{name: "database", onStart: record("database")})
	s.AddDependency(&fakeDependency{name: "engine", dependsOn: []string{"database"}, onStart: record("engine")})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"database", "engine", "consumer"}, started)
}

func TestStartup_StartsEachDependencyOnce(t *testing.T) {
	count := 0

	s := NewStartup(testLogger(), 1)
	s.AddDependency(&fakeDependency{name: "database", onStart: func() { count++ }})
	s.AddDependency(&fakeDependency{name: "engine", dependsOn: []string{"database"}})
	s.AddDependency(&fakeDependency{name: "consumer", dependsOn: []string{"database", "engine"}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, count)
}

func TestStartup_UnregisteredDependency(t *testing.T) {
	s := NewStartup(testLogger(), 1)
	s.AddDependency(&fakeDependency{name: "engine", dependsOn: []string{"missing"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestStartup_RetriesUntilMaxAttempts(t *testing.T) {
	attempts := 0

	s := NewStartup(testLogger(), 2)
	s.AddDependency(&fakeDependency{
		name:     "database",
		startErr: errors.New("connection refused"),
		onStart:  func() { attempts++ },
	})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestStartup_StopsInReverseOrder(t *testing.T) {
	var stopped []string
	record := func(name string) func() {
		return func() { stopped = append(stopped, name) }
	}

	s := NewStartup(testLogger(), 1)
	s.AddDependency(&fakeDependency{name: "database", onStop: record("database")})
	s.AddDependency(&fakeDependency{name: "engine", onStop: record("engine")})
	s.AddDependency(&fakeDependency{name: "consumer", onStop: record("consumer")})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"consumer", "engine", "database"}, stopped)
}
