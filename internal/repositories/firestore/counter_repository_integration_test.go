//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"testing"
	"time"

	pconfig "github.com/ivorythread/api/internal/platform/config"
	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
	"github.com/ivorythread/api/internal/repositories"
)

func TestCounterRepositoryIntegration(t *testing.T) {
	repo, ctx := emulatorCounterRepo(t)

	t.Run("ConcurrentIncrementsYieldDenseSequence", func(t *testing.T) {
		const workers = 16
		values := make(chan int64, workers)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				value, err := repo.Next(ctx, "order_numbers:2026", repositories.CounterNextOptions{})
				if err != nil {
					t.Errorf("next: %v", err)
					return
				}
				values <- value
			}()
		}
		wg.Wait()
		close(values)

		got := make([]int64, 0, workers)
		for value := range values {
			got = append(got, value)
		}
		if len(got) != workers {
			t.Fatalf("expected %d successful increments, got %d", workers, len(got))
		}

		// Every worker must land on a distinct value with no gaps.
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		for i, value := range got {
			if want := int64(i + 1); value != want {
				t.Fatalf("position %d: want %d, got %d", i, want, value)
			}
		}
	})

	t.Run("BoundedCounterExhausts", func(t *testing.T) {
		max := int64(3)
		opts := repositories.CounterNextOptions{MaxValue: &max}

		for want := int64(1); want <= max; want++ {
			value, err := repo.Next(ctx, "promo_codes:launch", opts)
			if err != nil {
				t.Fatalf("next %d: %v", want, err)
			}
			if value != want {
				t.Fatalf("want %d, got %d", want, value)
			}
		}

		_, err := repo.Next(ctx, "promo_codes:launch", opts)
		var counterErr *repositories.CounterError
		if !errors.As(err, &counterErr) {
			t.Fatalf("expected counter error past max value, got %T %v", err, err)
		}
		if counterErr.Code != repositories.CounterErrorExhausted {
			t.Fatalf("expected exhausted code, got %s", counterErr.Code)
		}
	})
}

// emulatorCounterRepo spins up a Firestore emulator container and returns a
// counter repository bound to it, skipping when docker is unavailable.
func emulatorCounterRepo(t *testing.T) (*CounterRepository, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "counter-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	return repo, ctx
}
