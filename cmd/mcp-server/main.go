package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/config"
	"github.com/patrickwarner/rtbconnect/internal/db"
	"github.com/patrickwarner/rtbconnect/internal/exchange"

	_ "github.com/patrickwarner/rtbconnect/internal/exchange/demo"
	_ "github.com/patrickwarner/rtbconnect/internal/exchange/openrtb"
)

func main() {
	// Initialize logger for MCP server - use stderr to avoid stdio conflicts
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.MessageKey = "msg"

	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("rtbconnect-mcp").With(zap.String("service", "rtbconnect-mcp"))

	cfg := config.Load()
	defs, err := config.LoadExchanges(cfg.ExchangesConfig)
	if err != nil {
		logger.Fatal("Failed to load exchange definitions", zap.Error(err))
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, 5, 2, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pg.Close()

	agents, err := pg.LoadAgentConfigs(context.Background())
	if err != nil {
		logger.Fatal("Failed to load agents", zap.Error(err))
	}

	audit, err := NewAuditServer(logger, agents, defs, exchange.DefaultRegistry())
	if err != nil {
		logger.Fatal("Failed to build exchange connectors", zap.Error(err))
	}
	audit.channel = cfg.ControlChannel

	// Redis is optional: without it live instances are unknown and control is disabled.
	if store, err := db.InitRedis(cfg.RedisAddr); err != nil {
		logger.Warn("Redis unavailable", zap.Error(err))
	} else {
		defer store.Close()
		audit.liveness = store
		audit.publisher = store
	}

	logger.Info("Loaded audit state", zap.Int("agents", len(agents)), zap.Int("exchanges", len(defs)))

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "rtbconnect",
		Version: "1.0.0",
	}, nil)
	registerTools(server, audit)

	stdioTransport := &mcp.StdioTransport{}
	var logBuffer bytes.Buffer
	loggingTransport := &mcp.LoggingTransport{
		Transport: stdioTransport,
		Writer:    &logBuffer,
	}

	logger.Info("MCP Server running via stdio")
	if err := server.Run(context.Background(), loggingTransport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}

func registerTools(server *mcp.Server, audit *AuditServer) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_exchanges",
		Description: "List configured exchange connectors with their compatible agent counts and the live router instances",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}, audit.ListExchanges)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_compatibility",
		Description: "Explain whether an agent and each of its creatives can run on an exchange",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"agent_id": map[string]interface{}{
					"type":        "integer",
					"description": "Agent configuration ID",
				},
				"exchange": map[string]interface{}{
					"type":        "string",
					"description": "Exchange name (optional, checks every exchange if not provided)",
				},
			},
			"required": []string{"agent_id"},
		},
	}, audit.CheckCompatibility)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "control_exchange",
		Description: "Enable, disable or set the accept probability of an exchange on every running router",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"exchange": map[string]interface{}{
					"type":        "string",
					"description": "Exchange name, or * for all exchanges",
				},
				"action": map[string]interface{}{
					"type": "string",
					"enum": []string{"enable", "disable", "probability"},
				},
				"value": map[string]interface{}{
					"type":        "number",
					"minimum":     0,
					"maximum":     1,
					"description": "Accept probability for the probability action",
				},
			},
			"required": []string{"exchange", "action"},
		},
	}, audit.ControlExchange)
}
