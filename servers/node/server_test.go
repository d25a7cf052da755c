package node

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	sandlib "github.com/AnishMulay/sandgate/clients/library"
	grpccomm "github.com/AnishMulay/sandgate/internal/communication/grpc"
	"github.com/AnishMulay/sandgate/internal/config"
	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/log_service"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Node.ID = "gw-node-test"
	cfg.Node.ListenAddress = "127.0.0.1:0"
	cfg.Node.MetricsAddress = ""
	cfg.Log.Sink = config.LogSinkFile
	cfg.Log.Dir = t.TempDir()
	return cfg
}

func TestBuild_ServesAdminCalls(t *testing.T) {
	n, err := Build(testConfig(t))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		if err := n.Stop(context.Background()); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	}()

	comm := grpccomm.NewGRPCCommunicator("127.0.0.1:0", log_service.NopLogService{})
	defer comm.Stop()
	client := sandlib.NewGatewayClient(n.Address(), comm)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := client.GetDeviceList(ctx)
	if err != nil {
		t.Fatalf("GetDeviceList() error = %v", err)
	}
	if !reflect.DeepEqual(ids, []dr.DeviceId{dr.MDSDeviceId}) {
		t.Fatalf("GetDeviceList() = %v, want [0]", ids)
	}

	mds, err := client.GetDeviceInfo(ctx, dr.MDSDeviceId)
	if err != nil {
		t.Fatalf("GetDeviceInfo(0) error = %v", err)
	}
	if mds.BackendName != "gw-node-test" || len(mds.Addresses) != 1 || mds.Addresses[0] != n.Address() {
		t.Fatalf("GetDeviceInfo(0) = %+v, want gateway at %s", mds, n.Address())
	}

	if _, err := client.GetDeviceInfo(ctx, 42); !errors.Is(err, sandlib.ErrNotFound) {
		t.Fatalf("GetDeviceInfo(42) error = %v, want ErrNotFound", err)
	}
}

func TestBuild_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown communicator", func(c *config.Config) { c.Communicator.Type = "carrier-pigeon" }},
		{"bad seed type", func(c *config.Config) {
			c.Namespace.Seed = []config.SeedObject{{Path: "/x", Type: "fifo-ish"}}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(cfg)
			if _, err := Build(cfg); err == nil {
				t.Fatal("Build() expected error")
			}
		})
	}
}
