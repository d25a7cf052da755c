package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sandlib "github.com/AnishMulay/sandgate/clients/library"
	"github.com/AnishMulay/sandgate/internal/communication"
	grpccomm "github.com/AnishMulay/sandgate/internal/communication/grpc"
	httpcomm "github.com/AnishMulay/sandgate/internal/communication/http"
	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/log_service"
	tt "github.com/AnishMulay/sandgate/internal/transfer_table"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"
)

type GatewayEntry struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type MCPConfig struct {
	Communicator struct {
		Type string `yaml:"type"`
	} `yaml:"communicator"`
	Gateways       []GatewayEntry `yaml:"gateways"`
	DefaultGateway string         `yaml:"default_gateway"`
	CallTimeout    time.Duration  `yaml:"call_timeout"`
}

type GatewayRegistry struct {
	Gateways       map[string]string
	DefaultGateway string
	Communicator   communication.Communicator
	CallTimeout    time.Duration
}

func LoadConfig(path string) (*MCPConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		defaultConfig := &MCPConfig{}
		defaultConfig.Communicator.Type = "grpc"
		defaultConfig.DefaultGateway = "gateway-1"
		defaultConfig.Gateways = []GatewayEntry{{ID: "gateway-1", Address: "localhost:9000"}}
		defaultConfig.CallTimeout = 10 * time.Second

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}

		data, err := yaml.Marshal(defaultConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}

		return defaultConfig, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := MCPConfig{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}

	return &config, nil
}

func (r *GatewayRegistry) client(request mcp.CallToolRequest) (*sandlib.GatewayClient, error) {
	id := request.GetString("gateway", "")
	if id == "" {
		id = r.DefaultGateway
	}
	addr, ok := r.Gateways[id]
	if !ok {
		return nil, fmt.Errorf("gateway %s not found", id)
	}
	return sandlib.NewGatewayClient(addr, r.Communicator), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func addTools(s *server.MCPServer, registry *GatewayRegistry) {
	gatewayArg := mcp.WithString("gateway", mcp.Description("Gateway id, defaults to the configured default"))

	s.AddTool(mcp.NewTool("list_gateways",
		mcp.WithDescription("List configured gateways"),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := "Configured gateways:\n"
		for id, addr := range registry.Gateways {
			result += fmt.Sprintf("- %s: %s\n", id, addr)
		}
		result += fmt.Sprintf("Default gateway: %s\n", registry.DefaultGateway)
		return mcp.NewToolResultText(result), nil
	})

	s.AddTool(mcp.NewTool("list_devices",
		mcp.WithDescription("List the device ids a gateway currently knows"),
		gatewayArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, err := registry.client(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ctx, cancel := context.WithTimeout(ctx, registry.CallTimeout)
		defer cancel()

		ids, err := c.GetDeviceList(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(ids)
	})

	s.AddTool(mcp.NewTool("get_device_info",
		mcp.WithDescription("Show the backend and addresses behind a device id"),
		mcp.WithString("device_id", mcp.Required(), mcp.Description("Numeric device id, 0 is the gateway")),
		gatewayArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := request.RequireString("device_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid device id %q", raw)), nil
		}
		c, err := registry.client(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ctx, cancel := context.WithTimeout(ctx, registry.CallTimeout)
		defer cancel()

		mapping, err := c.GetDeviceInfo(ctx, dr.DeviceId(id))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(mapping)
	})

	s.AddTool(mcp.NewTool("list_transfers",
		mcp.WithDescription("List pending layout transfers"),
		gatewayArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, err := registry.client(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ctx, cancel := context.WithTimeout(ctx, registry.CallTimeout)
		defer cancel()

		transfers, err := c.ListTransfers(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(transfers)
	})

	s.AddTool(mcp.NewTool("layout_get",
		mcp.WithDescription("Request a layout for a file handle"),
		mcp.WithString("handle", mcp.Required(), mcp.Description("File handle")),
		mcp.WithString("token", mcp.Required(), mcp.Description("Layout stateid token")),
		mcp.WithString("intent", mcp.Description("read or readwrite, defaults to read")),
		gatewayArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handle, err := request.RequireString("handle")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		token, err := request.RequireString("token")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		intent, err := tt.ParseIntent(request.GetString("intent", "read"))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		c, err := registry.client(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ctx, cancel := context.WithTimeout(ctx, registry.CallTimeout)
		defer cancel()

		layout, err := c.LayoutGet(ctx, handle, intent, token)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(layout)
	})

	s.AddTool(mcp.NewTool("layout_return",
		mcp.WithDescription("Return a layout"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Layout stateid token")),
		gatewayArg,
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		token, err := request.RequireString("token")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		c, err := registry.client(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ctx, cancel := context.WithTimeout(ctx, registry.CallTimeout)
		defer cancel()

		if err := c.LayoutReturn(ctx, token); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("Layout returned"), nil
	})
}

func main() {
	configPath := flag.String("config", "./mcp.yaml", "MCP config file, created with defaults if missing")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP stream
	ls := log_service.NopLogService{}
	var comm communication.Communicator
	if cfg.Communicator.Type == "http" {
		comm = httpcomm.NewHTTPCommunicator("127.0.0.1:0", ls)
	} else {
		comm = grpccomm.NewGRPCCommunicator("127.0.0.1:0", ls)
	}
	defer comm.Stop()

	registry := &GatewayRegistry{
		Gateways:       make(map[string]string, len(cfg.Gateways)),
		DefaultGateway: cfg.DefaultGateway,
		Communicator:   comm,
		CallTimeout:    cfg.CallTimeout,
	}
	for _, g := range cfg.Gateways {
		registry.Gateways[g.ID] = g.Address
	}

	s := server.NewMCPServer(
		"sandgate",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, registry)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
	}
}
