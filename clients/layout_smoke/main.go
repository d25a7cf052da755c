package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	sandlib "github.com/AnishMulay/sandgate/clients/library"
	grpccomm "github.com/AnishMulay/sandgate/internal/communication/grpc"
	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	logservice "github.com/AnishMulay/sandgate/internal/log_service"
	"github.com/AnishMulay/sandgate/internal/log_service/zaplog"
	tt "github.com/AnishMulay/sandgate/internal/transfer_table"
	"github.com/google/uuid"
)

func main() {
	handle := flag.String("handle", "", "Handle of a regular file on the gateway")
	workers := flag.Int("workers", 8, "Concurrent layout requests")
	flag.Parse()

	serverAddr := os.Getenv("SANDGATE_ADDR")
	if serverAddr == "" {
		serverAddr = "127.0.0.1:9000"
	}

	ls, err := zaplog.NewZapLogService("smoke", logservice.WarnLevel, true)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	comm := grpccomm.NewGRPCCommunicator("127.0.0.1:0", ls)
	defer comm.Stop()
	client := sandlib.NewGatewayClient(serverAddr, comm)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ids, err := client.GetDeviceList(ctx)
	if err != nil {
		log.Fatalf("GetDeviceList failed on %s: %v", serverAddr, err)
	}
	log.Printf("PASS: GetDeviceList returned %v", ids)

	mds, err := client.GetDeviceInfo(ctx, dr.MDSDeviceId)
	if err != nil {
		log.Fatalf("GetDeviceInfo(0) failed on %s: %v", serverAddr, err)
	}
	log.Printf("PASS: device 0 is %s", mds)

	if *handle == "" {
		log.Printf("no -handle given, skipping layout checks")
		return
	}

	var wg sync.WaitGroup
	errCh := make(chan error, *workers)

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			token := uuid.NewString()

			layout, getErr := client.LayoutGet(ctx, *handle, tt.IntentRead, token)
			if getErr != nil {
				errCh <- fmt.Errorf("worker %d: layout_get: %w", worker, getErr)
				return
			}
			if _, infoErr := client.GetDeviceInfo(ctx, layout.DeviceId); infoErr != nil {
				errCh <- fmt.Errorf("worker %d: device %s: %w", worker, layout.DeviceId, infoErr)
				return
			}
			if retErr := client.LayoutReturn(ctx, token); retErr != nil {
				errCh <- fmt.Errorf("worker %d: layout_return: %w", worker, retErr)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	failed := false
	for err := range errCh {
		failed = true
		log.Printf("FAIL: %v", err)
	}
	if failed {
		os.Exit(1)
	}
	log.Printf("PASS: %d concurrent layouts granted and returned on %s", *workers, *handle)
}
