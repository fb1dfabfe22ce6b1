package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

const (
	AppName    = "BDWind-VCam"
	AppVersion = "1.0.0"
)

// 构建时通过 -ldflags 注入
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// checkPortAvailability 检查配置中的端口是否可用
func checkPortAvailability(cfg *config.Config) error {
	portsToCheck := make(map[int]string)

	if cfg.WebServer != nil {
		portsToCheck[cfg.WebServer.Port] = "WebServer"
	}
	if cfg.Metrics != nil && cfg.Metrics.External.Enabled {
		portsToCheck[cfg.Metrics.External.Port] = "Metrics"
	}

	for port, service := range portsToCheck {
		if err := checkPortInUse(port); err != nil {
			return fmt.Errorf("%s port %d is already in use: %v", service, port, err)
		}
		log.Printf("  ✅ Port %d (%s) is available", port, service)
	}
	return nil
}

// checkPortInUse 检查指定 TCP 端口是否被占用
func checkPortInUse(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("TCP port occupied: %v", err)
	}
	return listener.Close()
}

// cliOptions 命令行参数
type cliOptions struct {
	configFile string
	assetPath  string
	signaling  string
	room       string
	mode       string
	logLevel   string
	logOutput  string
	logFile    string
	demoFPS    int
	version    bool
}

func parseFlags(args []string) (*cliOptions, error) {
	opts := &cliOptions{}
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	fs.StringVar(&opts.configFile, "config", "", "Configuration file path")
	fs.StringVar(&opts.assetPath, "asset", "", "Looping asset file (y4m, ivf or any GStreamer-decodable video)")
	fs.StringVar(&opts.signaling, "signaling", "", "Signaling server URL (ws:// or wss://)")
	fs.StringVar(&opts.room, "room", "", "Signaling room ID")
	fs.StringVar(&opts.mode, "mode", "", "Substitute source mode (asset, remote)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&opts.logOutput, "log-output", "", "Log output (stdout, stderr, file)")
	fs.StringVar(&opts.logFile, "log-file", "", "Log file path (when log-output is file)")
	fs.IntVar(&opts.demoFPS, "demo-fps", 0, "Drive the compositor with a synthetic capture at this frame rate (0 disables)")
	fs.BoolVar(&opts.version, "version", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// loadConfig 依次应用配置文件、环境变量和命令行参数
func loadConfig(opts *cliOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configFile != "" {
		log.Printf("Loading configuration from: %s", opts.configFile)
		cfg, err = config.LoadConfigFromFile(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	cfg.ApplyEnv()

	if opts.mode != "" {
		cfg.Source.Mode = config.SourceMode(opts.mode)
	}
	if opts.assetPath != "" {
		cfg.Asset.Path = opts.assetPath
	}
	if opts.signaling != "" {
		cfg.Remote.SignalingURL = opts.signaling
	}
	if opts.room != "" {
		cfg.Remote.RoomID = opts.room
	}

	if opts.logLevel != "" {
		level, err := config.ParseLogLevel(opts.logLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level '%s': %w", opts.logLevel, err)
		}
		cfg.Logging.Level = level
	}
	if opts.logOutput != "" {
		cfg.Logging.Output = opts.logOutput
	}
	if opts.logFile != "" {
		cfg.Logging.File = opts.logFile
		if opts.logOutput == "" {
			cfg.Logging.Output = "file"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if opts.version {
		fmt.Printf("%s v%s (commit %s, built %s)\n", AppName, AppVersion, GitCommit, BuildTime)
		fmt.Println("Virtual camera frame substitution engine")
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatalf("%v", err)
	}

	logCloser, err := config.SetupLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to setup logger: %v", err)
	}
	defer logCloser.Close()
	config.PrintLoggingInfo(cfg.Logging)

	log.Printf("Checking port availability...")
	if err := checkPortAvailability(cfg); err != nil {
		log.Printf("❌ Port availability check failed: %v", err)
		log.Printf("💡 Please ensure the required ports are not in use by other applications")
		os.Exit(1)
	}

	app, err := NewVCamApp(cfg, opts.demoFPS)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	protocol := "http"
	if cfg.WebServer.EnableTLS {
		protocol = "https"
	}
	fmt.Printf("\n🚀 %s v%s starting\n", AppName, AppVersion)
	fmt.Printf("📱 Control panel: %s://%s:%d\n", protocol, cfg.WebServer.Host, cfg.WebServer.Port)
	if cfg.Metrics.External.Enabled {
		fmt.Printf("📊 Metrics: http://%s:%d%s\n", cfg.Metrics.External.Host, cfg.Metrics.External.Port, cfg.Metrics.External.Path)
	}
	switch cfg.Source.Mode {
	case config.SourceModeAsset:
		fmt.Printf("🎞️  Asset: %s\n", cfg.Asset.Path)
	case config.SourceModeRemote:
		fmt.Printf("📡 Remote: %s (room %s)\n", cfg.Remote.SignalingURL, cfg.Remote.RoomID)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	runErr := app.Run(ctx)
	if err := app.Shutdown(); err != nil {
		log.Printf("Application shutdown error: %v", err)
	}
	if runErr != nil {
		log.Printf("Application stopped with error: %v", runErr)
		os.Exit(1)
	}
	log.Println("Application stopped gracefully")
}
