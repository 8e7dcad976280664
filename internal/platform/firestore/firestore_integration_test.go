//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pconfig "github.com/ivorythread/api/internal/platform/config"
	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type stockLevel struct {
	SKU       string `firestore:"sku"`
	Available int    `firestore:"available"`
}

func TestProviderAndRepositoryAgainstEmulator(t *testing.T) {
	endpoint, stop := startEmulator(t)
	defer stop()

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "test-project",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := provider.Client(ctx); err != nil {
		t.Fatalf("dial emulator: %v", err)
	}

	repo := pfirestore.NewBaseRepository[stockLevel](provider, "stock_levels", nil, nil)

	if _, err := repo.Set(ctx, "sku-tote", stockLevel{SKU: "sku-tote", Available: 8}); err != nil {
		t.Fatalf("set: %v", err)
	}

	doc, err := repo.Get(ctx, "sku-tote")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.ID != "sku-tote" || doc.Data.Available != 8 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatal("expected update time from firestore")
	}

	if _, err := repo.Update(ctx, "sku-tote", []firestore.Update{{Path: "available", Value: 7}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	docs, err := repo.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("available", ">", 0)
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0].Data.Available != 7 {
		t.Fatalf("unexpected query result %+v", docs)
	}

	// Missing documents come back classified, not as raw grpc errors.
	_, err = repo.Get(ctx, "sku-missing")
	var classified interface{ IsNotFound() bool }
	if !errors.As(err, &classified) || !classified.IsNotFound() {
		t.Fatalf("expected not-found classification, got %v", err)
	}

	// A transactional decrement, the shape the inventory repository uses.
	if err := provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := repo.DocumentRef(ctx, "sku-tote")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var level stockLevel
		if err := snap.DataTo(&level); err != nil {
			return err
		}
		level.Available--
		return tx.Set(ref, level)
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}

	doc, err = repo.Get(ctx, "sku-tote")
	if err != nil {
		t.Fatalf("get after transaction: %v", err)
	}
	if doc.Data.Available != 6 {
		t.Fatalf("expected 6 available after decrement, got %d", doc.Data.Available)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// startEmulator launches the Firestore emulator in docker and returns its
// endpoint plus a stop function. Skips when docker is unusable.
func startEmulator(t *testing.T) (string, func()) {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	infoCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(infoCtx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}

	port := freeLocalPort(t)
	out, err := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v - %s", err, out)
	}
	containerID := strings.TrimSpace(string(out))
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}

	stop := func() {
		if containerID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "stop", containerID).Run()
	}

	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return endpoint, stop
		}
		time.Sleep(250 * time.Millisecond)
	}
	stop()
	t.Fatalf("emulator at %s did not become ready", endpoint)
	return "", nil
}

func freeLocalPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
