package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coder1/vibeterm/internal/config"
	"github.com/coder1/vibeterm/internal/handlers"
	"github.com/coder1/vibeterm/internal/logger"
	"github.com/coder1/vibeterm/internal/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Start the terminal server",
	Long: `# 🚀 Vibeterm Serve

Starts the WebSocket terminal server and the session registry.

## Examples

` + "```bash" + `
vibeterm serve
vibeterm serve --port 8080 --max-sessions 5
VIBETERM_PORT=8080 vibeterm serve
` + "```",
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "127.0.0.1", "Host interface to bind")
	serveCmd.Flags().Int("port", 3789, "Port to listen on")
	serveCmd.Flags().String("workspace", "", "Default working directory for new sessions")
	serveCmd.Flags().String("shell", "", "Shell to spawn (default: $SHELL)")
	serveCmd.Flags().Int("max-sessions", 10, "Maximum concurrent PTY sessions")
	serveCmd.Flags().Duration("idle-timeout", 30*time.Minute, "Expire sessions with no activity")
	serveCmd.Flags().Duration("max-session-age", time.Hour, "Hard session lifetime cap")
	serveCmd.Flags().Bool("dev", false, "Development mode: pretty logs, debug level")

	viper.SetEnvPrefix("VIBETERM")
	viper.AutomaticEnv()
	for _, name := range []string{"host", "port", "workspace", "shell", "max-sessions", "idle-timeout", "max-session-age", "dev"} {
		_ = viper.BindPFlag(name, serveCmd.Flags().Lookup(name))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	isDev := viper.GetBool("dev")
	logger.Configure(logger.GetLogLevelFromEnv(isDev), isDev)

	if !config.PTYAvailable() {
		return fmt.Errorf("no PTY support on this host (/dev/ptmx missing)")
	}

	cfg := config.Default()
	cfg.Host = viper.GetString("host")
	cfg.Port = viper.GetInt("port")
	if ws := viper.GetString("workspace"); ws != "" {
		cfg.WorkspaceDir = ws
	}
	if shell := viper.GetString("shell"); shell != "" {
		cfg.Shell = shell
	}
	cfg.MaxSessions = viper.GetInt("max-sessions")
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.MaxSessionAge = viper.GetDuration("max-session-age")

	manager := services.NewManager(cfg)
	input := services.NewClaudeInput()
	terminal := handlers.NewTerminalHandler(manager, input, services.RuleResponder{})
	sessions := handlers.NewSessionsHandler(manager, input)

	app := fiber.New(fiber.Config{
		AppName:               "vibeterm",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/v1")
	v1.Get("/sessions", sessions.ListSessions)
	v1.Get("/sessions/:id/buffer", sessions.GetBuffer)
	v1.Get("/sessions/:id/deliveries", sessions.GetDeliveries)
	v1.Get("/telemetry", sessions.GetTelemetry)

	v1.Use("/terminal/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/terminal/ws", websocket.New(terminal.HandleWebSocket))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("🛑 Received %v, shutting down", sig)
		if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
			logger.Warnf("⚠️  Shutdown error: %v", err)
		}
	}()

	logger.Infof("🖥️ Vibeterm listening on %s (shell %s, max %d sessions)", addr, cfg.Shell, cfg.MaxSessions)
	err := app.Listen(addr)

	manager.Shutdown()
	return err
}
