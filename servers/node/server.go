package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	// Core Services
	"github.com/AnishMulay/sandgate/internal/accounting"
	"github.com/AnishMulay/sandgate/internal/cluster_service"
	clusteretcd "github.com/AnishMulay/sandgate/internal/cluster_service/etcd"
	clusterinmemory "github.com/AnishMulay/sandgate/internal/cluster_service/inmemory"
	"github.com/AnishMulay/sandgate/internal/communication"
	grpccomm "github.com/AnishMulay/sandgate/internal/communication/grpc"
	httpcomm "github.com/AnishMulay/sandgate/internal/communication/http"
	"github.com/AnishMulay/sandgate/internal/config"
	logservice "github.com/AnishMulay/sandgate/internal/log_service"
	locallog "github.com/AnishMulay/sandgate/internal/log_service/localdisc"
	"github.com/AnishMulay/sandgate/internal/log_service/zaplog"

	// Layout Components
	registryinmemory "github.com/AnishMulay/sandgate/internal/device_registry/inmemory"
	"github.com/AnishMulay/sandgate/internal/layout_service"
	"github.com/AnishMulay/sandgate/internal/namespace"
	nsinmemory "github.com/AnishMulay/sandgate/internal/namespace/inmemory"
	"github.com/AnishMulay/sandgate/internal/pool_selector"
	"github.com/AnishMulay/sandgate/internal/server/gateway"
	tt "github.com/AnishMulay/sandgate/internal/transfer_table"
)

type runnable interface {
	Run() error
}

// GatewayNode owns one gateway and everything it was built from.
type GatewayNode struct {
	server         *gateway.GatewayServer
	comm           communication.Communicator
	clusterService cluster_service.ClusterService
	self           cluster_service.ClusterNode
	ls             logservice.LogService
	closers        []func() error
}

// Start brings up the cluster view, registers the gateway in it and then
// starts serving.
func (n *GatewayNode) Start(ctx context.Context) error {
	if err := n.clusterService.Start(ctx); err != nil {
		return err
	}
	if err := n.server.Start(); err != nil {
		_ = n.clusterService.Stop(ctx)
		return err
	}
	self := n.self
	if _, port, err := net.SplitHostPort(self.Address); err != nil || port == "0" {
		self.Address = n.comm.Address()
	}
	if err := n.clusterService.RegisterNode(self); err != nil {
		_ = n.server.Stop()
		_ = n.clusterService.Stop(ctx)
		return err
	}
	return nil
}

func (n *GatewayNode) Stop(ctx context.Context) error {
	errServer := n.server.Stop()
	errCluster := n.clusterService.Stop(ctx)

	var errClose error
	for _, closeFn := range n.closers {
		errClose = errors.Join(errClose, closeFn())
	}
	return errors.Join(errServer, errCluster, errClose)
}

// Address is the bound gateway address once started.
func (n *GatewayNode) Address() string {
	return n.comm.Address()
}

func (n *GatewayNode) Run() error {
	if err := n.Start(context.Background()); err != nil {
		return err
	}

	// Wait for termination signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	n.ls.Info(logservice.LogEvent{Message: "Shutting down gateway"})
	return n.Stop(context.Background())
}

// Build wires a gateway from cfg. Nothing is started until Run or Start.
func Build(cfg *config.Config) (*GatewayNode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &GatewayNode{}

	// 1. Logging
	ls, err := buildLogService(cfg, n)
	if err != nil {
		return nil, err
	}
	n.ls = ls

	// 2. Communication
	var comm communication.Communicator
	switch cfg.Communicator.Type {
	case config.CommunicatorHTTP:
		comm = httpcomm.NewHTTPCommunicator(cfg.Node.ListenAddress, ls)
	default:
		comm = grpccomm.NewGRPCCommunicator(cfg.Node.ListenAddress, ls)
	}
	n.comm = comm

	// 3. Cluster Service (backend discovery)
	n.self = cluster_service.ClusterNode{
		ID:      cfg.Node.ID,
		Address: cfg.AdvertiseAddress(),
		Role:    cluster_service.RoleGateway,
	}
	switch cfg.Cluster.Mode {
	case config.ClusterModeEtcd:
		n.clusterService = clusteretcd.NewEtcdClusterService(cfg.Cluster.Endpoints, ls)
	default:
		nodes := make([]cluster_service.ClusterNode, 0, len(cfg.Cluster.Backends))
		for _, b := range cfg.Cluster.Backends {
			nodes = append(nodes, cluster_service.ClusterNode{ID: b.ID, Address: b.Address, Role: cluster_service.RoleBackend})
		}
		n.clusterService = clusterinmemory.NewInMemoryClusterService(nodes, ls)
	}

	// 4. Namespace
	ns := nsinmemory.NewInMemoryNamespace(ls)
	if err := seedNamespace(ns, cfg.Namespace.Seed); err != nil {
		return nil, err
	}

	// 5. Layout coordination
	selector := pool_selector.NewPoolSelector(n.clusterService, comm, cfg.Node.AdvertiseAddr, cfg.Layout.SelectorCallTimeout, ls)
	coord, err := layout_service.NewLayoutCoordinator(
		registryinmemory.NewInMemoryDeviceRegistry(ls),
		tt.NewInMemoryTransferTable(ls),
		selector,
		ns,
		accounting.NewLogAccounting(ls),
		ls,
		cfg.LayoutOptions(),
	)
	if err != nil {
		return nil, err
	}

	// 6. Server
	n.server = gateway.NewGatewayServer(comm, coord, selector, ls, gateway.Options{
		MetricsAddress:     cfg.Node.MetricsAddress,
		PendingTransferTTL: cfg.Layout.PendingTransferTTL,
		JanitorInterval:    cfg.Layout.JanitorInterval,
	})
	return n, nil
}

func buildLogService(cfg *config.Config, n *GatewayNode) (logservice.LogService, error) {
	switch cfg.Log.Sink {
	case config.LogSinkFile:
		ls, err := locallog.NewLocalDiscLogService(cfg.Log.Dir, cfg.Node.ID, cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, ls.Close)
		return ls, nil
	default:
		ls, err := zaplog.NewZapLogService(cfg.Node.ID, cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, func() error {
			// stderr cannot be synced on some platforms
			_ = ls.Sync()
			return nil
		})
		return ls, nil
	}
}

func seedNamespace(ns namespace.NamespaceService, seed []config.SeedObject) error {
	for _, obj := range seed {
		typ, err := layout_service.ParseObjectType(obj.Type)
		if err != nil {
			return fmt.Errorf("%w: seed %s: %w", config.ErrInvalidConfig, obj.Path, err)
		}
		if _, err := ns.Create(context.Background(), obj.Path, typ, obj.Size); err != nil && !errors.Is(err, namespace.ErrAlreadyExists) {
			return fmt.Errorf("seed %s: %w", obj.Path, err)
		}
	}
	return nil
}

var _ runnable = (*GatewayNode)(nil)
