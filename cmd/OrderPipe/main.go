package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BTreeMap/OrderPipe/internal/api"
	"github.com/BTreeMap/OrderPipe/internal/catalog"
	"github.com/BTreeMap/OrderPipe/internal/cloudapi"
	"github.com/BTreeMap/OrderPipe/internal/conversation"
	"github.com/BTreeMap/OrderPipe/internal/engine"
	"github.com/BTreeMap/OrderPipe/internal/genai"
	"github.com/BTreeMap/OrderPipe/internal/intent"
	"github.com/BTreeMap/OrderPipe/internal/lockfile"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/nlu"
	"github.com/BTreeMap/OrderPipe/internal/settings"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/telegram"
	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
	"github.com/caarlos0/env/v11"
	charmLog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OrderPipe state data
	DefaultStateDir = "/var/lib/orderpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "orderpipe.db"
	// DefaultWhatsAppDBFileName holds the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// WhatsApp transports selectable with -whatsapp-transport.
const (
	TransportCloud  = "cloud"
	TransportWeb    = "web"
	TransportTwilio = "twilio"
	TransportNone   = "none"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	config, envErr := loadEnvironmentConfig()

	initializeLogger(os.Stdout, config.LogLevel, config.LogFormat)
	if envErr != nil {
		slog.Error("Failed to load environment configuration", "error", envErr)
		return 1
	}

	flags, err := parseCommandLineFlags(flag.NewFlagSet("orderpipe", flag.ContinueOnError), args, config)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		slog.Error("Invalid command line", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping OrderPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", flags.stateDir, "dsn_set", flags.dbDSN != "", "api_addr", flags.apiAddr,
		"whatsapp_transport", flags.whatsAppTransport, "telegram", flags.telegram, "outbox", flags.outbox)
	if err := runService(ctx, config, flags); err != nil {
		slog.Error("OrderPipe failed to run", "error", err)
		return 1
	}
	slog.Info("OrderPipe exited successfully")
	return 0
}

// Config holds environment configuration
type Config struct {
	StateDir          string `env:"ORDERPIPE_STATE_DIR" envDefault:"/var/lib/orderpipe"`
	DatabaseURL       string `env:"DATABASE_URL"`
	WhatsAppDSN       string `env:"WHATSAPP_DB_DSN"`
	APIAddr           string `env:"API_ADDR" envDefault:":8080"`
	SettingsPath      string `env:"ORDERPIPE_SETTINGS"`
	OpenAIKey         string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL"`
	GenAIDebug        bool   `env:"GENAI_DEBUG"`
	WhatsAppTransport string `env:"WHATSAPP_TRANSPORT" envDefault:"cloud"`
	TwilioAccountSID  string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom        string `env:"TWILIO_WHATSAPP_FROM"`
	TelegramToken     string `env:"TELEGRAM_BOT_TOKEN"`
	Outbox            bool   `env:"ORDERPIPE_OUTBOX" envDefault:"true"`
	ResponseWorkers   int    `env:"RESPONSE_WORKERS" envDefault:"4"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"debug"`
	LogFormat         string `env:"LOG_FORMAT" envDefault:"text"`
}

// Flags holds command line flag values
type Flags struct {
	qrOutput          string
	numeric           bool
	stateDir          string
	dbDSN             string
	apiAddr           string
	settingsPath      string
	whatsAppTransport string
	telegram          bool
	outbox            bool
}

// initializeLogger installs the process logger. Text output goes through charmbracelet/log.
func initializeLogger(w io.Writer, level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLevel(lvl),
			ReportTimestamp: true,
			Formatter:       charmLog.TextFormatter,
		})
	}
	slog.SetDefault(slog.New(handler))
}

func charmLevel(l slog.Level) charmLog.Level {
	switch {
	case l <= slog.LevelDebug:
		return charmLog.DebugLevel
	case l <= slog.LevelInfo:
		return charmLog.InfoLevel
	case l <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

// loadEnvironmentConfig loads configuration from environment variables and an optional .env file.
// With no files given, ./.env is tried.
func loadEnvironmentConfig(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	var config Config
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("failed to parse environment: %w", err)
	}

	// The WhatsApp Web device store follows the main database unless set on its own
	if config.WhatsAppDSN == "" && store.DetectDSNType(config.DatabaseURL) == store.DSNTypePostgres {
		config.WhatsAppDSN = config.DatabaseURL
	}
	return config, nil
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fset *flag.FlagSet, args []string, config Config) (Flags, error) {
	var flags Flags
	fset.StringVar(&flags.qrOutput, "qr-output", "", "path to write the WhatsApp Web login QR code")
	fset.BoolVar(&flags.numeric, "numeric", false, "use a numeric pairing code instead of a QR code")
	fset.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for OrderPipe data (overrides $ORDERPIPE_STATE_DIR)")
	fset.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseURL, "database DSN, a SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fset.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fset.StringVar(&flags.settingsPath, "settings", config.SettingsPath, "tenant settings YAML file (overrides $ORDERPIPE_SETTINGS)")
	fset.StringVar(&flags.whatsAppTransport, "whatsapp-transport", config.WhatsAppTransport, "WhatsApp transport: cloud, web, twilio or none (overrides $WHATSAPP_TRANSPORT)")
	fset.BoolVar(&flags.telegram, "telegram", config.TelegramToken != "", "enable the Telegram transport (requires $TELEGRAM_BOT_TOKEN)")
	fset.BoolVar(&flags.outbox, "outbox", config.Outbox, "deliver replies through the durable outbox (overrides $ORDERPIPE_OUTBOX)")

	if err := fset.Parse(args); err != nil {
		return flags, err
	}

	flags.whatsAppTransport = strings.ToLower(strings.TrimSpace(flags.whatsAppTransport))
	switch flags.whatsAppTransport {
	case TransportCloud, TransportWeb, TransportTwilio, TransportNone:
	default:
		return flags, fmt.Errorf("unknown WhatsApp transport %q", flags.whatsAppTransport)
	}
	if flags.telegram && config.TelegramToken == "" {
		return flags, errors.New("-telegram requires TELEGRAM_BOT_TOKEN")
	}

	// Default to SQLite in the state directory
	if flags.dbDSN == "" {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"qrOutput", flags.qrOutput,
		"numeric", flags.numeric,
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"apiAddr", flags.apiAddr,
		"settings", flags.settingsPath,
		"whatsappTransport", flags.whatsAppTransport,
		"telegram", flags.telegram,
		"outbox", flags.outbox)
	return flags, nil
}

// runService wires every module and blocks until ctx is cancelled or a component fails.
func runService(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.Acquire(flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	provider, err := settings.NewProvider(flags.settingsPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	current := provider.Current()

	cat, err := loadCatalog(current.CatalogPath)
	if err != nil {
		return err
	}

	engOpts := []engine.Option{engine.WithClassifier(intent.NewClassifier())}
	if config.OpenAIKey != "" {
		client, err := genai.NewClient(buildGenAIOptions(config, flags, current.AI)...)
		if err != nil {
			return fmt.Errorf("failed to create genai client: %w", err)
		}
		engOpts = append(engOpts, engine.WithUnderstander(nlu.NewAdapter(client)))
	} else {
		slog.Info("No OpenAI API key configured, language model fallback disabled")
	}
	eng := engine.New(cat, engOpts...)

	services, cloudSvc, twilioSvc, err := buildServices(ctx, config, flags, provider)
	if err != nil {
		return err
	}
	dispatcher := messaging.NewDispatcher(services...)

	procOpts := []conversation.Option{conversation.WithDispatcher(dispatcher)}
	outboxRepo, hasOutbox := st.(store.OutboxRepo)
	if flags.outbox && hasOutbox {
		procOpts = append(procOpts, conversation.WithOutbox(outboxRepo))
	} else if flags.outbox {
		slog.Warn("Store has no outbox support, delivering replies directly")
	}
	if dedup, ok := st.(store.DedupRepo); ok {
		procOpts = append(procOpts, conversation.WithDedup(dedup))
	}
	proc := conversation.New(st, eng, provider, procOpts...)

	server := api.NewServer(proc, st, provider, buildAPIOptions(flags, cloudSvc, twilioSvc)...)

	for i, svc := range services {
		if err := svc.Start(ctx); err != nil {
			stopServices(services[:i])
			return fmt.Errorf("failed to start %s transport: %w", svc.Channel(), err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if flags.outbox && hasOutbox {
		sender := store.NewOutboxSender(outboxRepo, dispatcher.SendOutbox)
		if err := sender.RecoverStaleMessages(); err != nil {
			slog.Warn("Failed to recover stale outbox messages", "error", err)
		}
		g.Go(func() error {
			sender.Run(gctx)
			return nil
		})
	}

	for _, svc := range services {
		handler := messaging.NewResponseHandler(svc, proc.HandleMessage, messaging.WithWorkers(config.ResponseWorkers))
		g.Go(func() error { return handler.Run(gctx) })
	}

	g.Go(func() error { return provider.Watch(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	stopServices(services)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func stopServices(services []messaging.Service) {
	for _, svc := range services {
		if err := svc.Stop(); err != nil {
			slog.Warn("Failed to stop transport", "channel", svc.Channel(), "error", err)
		}
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog %s: %w", path, err)
	}
	slog.Info("Loaded catalog", "path", path)
	return cat, nil
}

// buildServices constructs the enabled transports. The Cloud API and Twilio services are
// also returned on their own because their webhooks are served by the API server.
func buildServices(ctx context.Context, config Config, flags Flags, provider *settings.Provider) ([]messaging.Service, *messaging.CloudAPIService, *messaging.TwilioService, error) {
	var (
		services  []messaging.Service
		cloudSvc  *messaging.CloudAPIService
		twilioSvc *messaging.TwilioService
	)

	switch flags.whatsAppTransport {
	case TransportCloud:
		client, err := cloudapi.NewClient(cloudapi.WithCredentialSource(func() cloudapi.Credentials {
			wa := provider.Current().WhatsApp
			return cloudapi.Credentials{PhoneNumberID: wa.PhoneNumberID, AccessToken: wa.AccessToken}
		}))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create Cloud API client: %w", err)
		}
		cloudSvc = messaging.NewCloudAPIService(client)
		services = append(services, cloudSvc)
	case TransportWeb:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config, flags)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		services = append(services, messaging.NewWhatsAppService(client))
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		twilioSvc = messaging.NewTwilioService(client, provider.Current().API.PublicBaseURL)
		services = append(services, twilioSvc)
	case TransportNone:
		slog.Info("WhatsApp transport disabled")
	}

	if flags.telegram {
		client, err := telegram.NewClient(telegram.WithToken(config.TelegramToken))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create Telegram client: %w", err)
		}
		services = append(services, messaging.NewTelegramService(client))
	}
	return services, cloudSvc, twilioSvc, nil
}

// buildWhatsAppOptions constructs WhatsApp Web configuration options
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	dsn := config.WhatsAppDSN
	if dsn == "" {
		dsn = "file:" + filepath.Join(flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(dsn)}
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, flags Flags, ai settings.AISettings) []genai.Option {
	genaiOpts := []genai.Option{genai.WithAPIKey(config.OpenAIKey)}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if ai.Model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(ai.Model))
	}
	if config.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, flags.stateDir))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, cloudSvc *messaging.CloudAPIService, twilioSvc *messaging.TwilioService) []api.Option {
	var apiOpts []api.Option
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	if cloudSvc != nil {
		apiOpts = append(apiOpts, api.WithCloudAPI(cloudSvc))
	}
	if twilioSvc != nil {
		apiOpts = append(apiOpts, api.WithTwilio(twilioSvc))
	}
	return apiOpts
}
