package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/wabridge/internal/paths"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
	"github.com/matheus3301/wabridge/internal/wa/watest"
)

// tempDataDir returns a short data dir to stay under the 104-char Unix
// socket limit on macOS.
func tempDataDir(t *testing.T) string {
	t.Helper()
	t.Setenv(paths.EnvDataDir, "")
	t.Setenv("PORT", "")
	dir, err := os.MkdirTemp("/tmp", "wabridge-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestModuleValidates(t *testing.T) {
	dir := tempDataDir(t)
	err := fx.ValidateApp(
		Module(Params{DataDir: dir, Network: watest.NewNetwork()}),
		fx.NopLogger,
	)
	if err != nil {
		t.Fatalf("ValidateApp: %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	dir := tempDataDir(t)

	// A user paired in a previous run.
	db, err := store.Open(paths.AppDBPath(dir), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.SetDevice(context.Background(), "7", "5511999990000:1@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	network := watest.NewNetwork()
	var srv *Server
	app := fxtest.New(t,
		Module(Params{DataDir: dir, Listen: "127.0.0.1:0", Network: network}),
		fx.Populate(&srv),
		fx.NopLogger,
	)
	app.RequireStart()
	defer app.RequireStop()

	if _, err := os.Stat(filepath.Join(dir, "LOCK")); err != nil {
		t.Fatalf("lock file: %v", err)
	}
	info, err := os.Stat(srv.SocketPath())
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket perm = %o, want 600", perm)
	}

	// The paired user is resumed without an API call.
	waitFor(t, func() bool { return network.Opened("7") == 1 })
	waitFor(t, func() bool {
		return network.Last("7").Emit(wa.SessionEvent{Kind: wa.EventConnected, Identity: "5511999990000"})
	})

	conn, err := grpc.NewClient("unix://"+srv.SocketPath(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	health := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("bridge health = %v", got)
	}
	waitFor(t, func() bool { return check(SessionService("7")) == healthpb.HealthCheckResponse_SERVING })

	resp, err := http.Get("http://" + srv.Addr() + "/api/status/7")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var st struct {
		Status      string `json:"status"`
		PhoneNumber string `json:"phone_number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Status != "ready" || st.PhoneNumber != "5511999990000" {
		t.Errorf("status = %+v", st)
	}
}

func TestSecondDaemonRefusesDataDir(t *testing.T) {
	dir := tempDataDir(t)

	first := fxtest.New(t,
		Module(Params{DataDir: dir, Listen: "127.0.0.1:0", Network: watest.NewNetwork()}),
		fx.NopLogger,
	)
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(
		Module(Params{DataDir: dir, Listen: "127.0.0.1:0", Network: watest.NewNetwork()}),
		fx.NopLogger,
	)
	if second.Err() == nil {
		t.Fatal("second daemon on the same data dir should fail")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
