package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/FormFlow/internal/api"
	"github.com/BTreeMap/FormFlow/internal/botapi"
	"github.com/BTreeMap/FormFlow/internal/config"
	"github.com/BTreeMap/FormFlow/internal/engine"
	"github.com/BTreeMap/FormFlow/internal/lockfile"
	"github.com/BTreeMap/FormFlow/internal/messaging"
	"github.com/BTreeMap/FormFlow/internal/store"
	"github.com/BTreeMap/FormFlow/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FormFlow state data
	DefaultStateDir = "/var/lib/formflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "formflow.db"
)

func main() {
	initializeLogger(slog.LevelDebug)

	cfg := loadEnvironmentConfig()
	flags := parseCommandLineFlags(cfg)

	var fileCfg *config.Config
	if *flags.configPath != "" {
		loaded, err := applyConfigFile(*flags.configPath, flags)
		if err != nil {
			slog.Error("Failed to load configuration file", "error", err, "path", *flags.configPath)
			os.Exit(1)
		}
		fileCfg = loaded
		applyLogLevel(fileCfg)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// A file-based database means a state directory we must own exclusively.
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			slog.Error("Failed to acquire state directory lock", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	storeOpts := buildStoreOptions(flags)
	botOpts := buildBotOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	engineOpts := buildEngineOptions(fileCfg)
	dispatcherOpts := buildDispatcherOptions(fileCfg)
	apiOpts := buildAPIOptions(flags, fileCfg)

	slog.Info("Bootstrapping FormFlow with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "bot", len(botOpts), "twilio", len(twilioOpts), "engine", len(engineOpts), "api", len(apiOpts))
	if err := api.Run(storeOpts, botOpts, twilioOpts, engineOpts, dispatcherOpts, apiOpts); err != nil {
		slog.Error("FormFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FormFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	BotToken        string
	BotBaseURL      string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	ArtifactBaseURL string
	APIAddr         string
}

// Flags holds command line flag values
type Flags struct {
	configPath      *string
	stateDir        *string
	dbDSN           *string
	botToken        *string
	botBaseURL      *string
	twilioSID       *string
	twilioToken     *string
	twilioFrom      *string
	artifactBaseURL *string
	apiAddr         *string
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// applyLogLevel re-initializes the logger with the config file's level.
// FORMFLOW_DEBUG=true keeps the debug default regardless of the file.
func applyLogLevel(fileCfg *config.Config) {
	if fileCfg == nil || fileCfg.Logging.Level == "" {
		return
	}
	if util.ParseBoolEnv("FORMFLOW_DEBUG", false) {
		slog.Debug("FORMFLOW_DEBUG set, keeping debug log level", "configuredLevel", fileCfg.Logging.Level)
		return
	}
	initializeLogger(fileCfg.Logging.SlogLevel())
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("FORMFLOW_STATE_DIR"),
		BotToken:        os.Getenv("BOT_TOKEN"),
		BotBaseURL:      os.Getenv("BOT_API_BASE_URL"),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
		ArtifactBaseURL: os.Getenv("ARTIFACT_BASE_URL"),
		APIAddr:         os.Getenv("API_ADDR"),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
		slog.Debug("No FORMFLOW_STATE_DIR set, using default", "stateDir", cfg.StateDir)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlitePath", cfg.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"FORMFLOW_STATE_DIR", cfg.StateDir,
		"BOT_TOKEN_SET", cfg.BotToken != "",
		"TWILIO_ACCOUNT_SID_SET", cfg.TwilioSID != "",
		"API_ADDR", cfg.APIAddr)

	return cfg
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(cfg Config) Flags {
	flags := Flags{
		configPath:      flag.String("config", "", "path to YAML configuration file"),
		stateDir:        flag.String("state-dir", cfg.StateDir, "state directory for FormFlow data (overrides $FORMFLOW_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", cfg.DatabaseURL, "database DSN or SQLite path (overrides $DATABASE_URL)"),
		botToken:        flag.String("bot-token", cfg.BotToken, "chat platform bot token (overrides $BOT_TOKEN)"),
		botBaseURL:      flag.String("bot-base-url", cfg.BotBaseURL, "chat platform API base URL (overrides $BOT_API_BASE_URL)"),
		twilioSID:       flag.String("twilio-account-sid", cfg.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:     flag.String("twilio-auth-token", cfg.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:      flag.String("twilio-from", cfg.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		artifactBaseURL: flag.String("artifact-base-url", cfg.ArtifactBaseURL, "public base URL for artifact downloads (overrides $ARTIFACT_BASE_URL)"),
		apiAddr:         flag.String("api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"configPath", *flags.configPath,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"botTokenSet", *flags.botToken != "",
		"apiAddr", *flags.apiAddr)

	// Follow a moved state directory when the DSN is still the default path
	if *flags.dbDSN == cfg.DatabaseURL && cfg.DatabaseURL == filepath.Join(cfg.StateDir, DefaultDBFileName) && *flags.stateDir != cfg.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "oldStateDir", cfg.StateDir, "newStateDir", *flags.stateDir)
	}

	return flags
}

// applyConfigFile fills in flag values left at their defaults from a YAML
// configuration file and returns the parsed file for the non-flag tunables.
// Explicit flags and environment variables win.
func applyConfigFile(path string, flags Flags) (*config.Config, error) {
	fileCfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if *flags.apiAddr == "" && fileCfg.Server.Addr != "" {
		*flags.apiAddr = fileCfg.Server.Addr
	}
	if fileCfg.Database.DSN != "" && *flags.dbDSN == filepath.Join(*flags.stateDir, DefaultDBFileName) {
		*flags.dbDSN = fileCfg.Database.DSN
	}
	if *flags.botToken == "" && fileCfg.Bot.Enabled {
		*flags.botToken = fileCfg.Bot.Token
		if fileCfg.Bot.BaseURL != "" {
			*flags.botBaseURL = fileCfg.Bot.BaseURL
		}
	}
	if *flags.twilioSID == "" && fileCfg.Twilio.Enabled {
		*flags.twilioSID = fileCfg.Twilio.AccountSID
		*flags.twilioToken = fileCfg.Twilio.AuthToken
		*flags.twilioFrom = fileCfg.Twilio.FromNumber
		if fileCfg.Twilio.ArtifactBaseURL != "" {
			*flags.artifactBaseURL = fileCfg.Twilio.ArtifactBaseURL
		}
	}
	return fileCfg, nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "stateDir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "stateDir", stateDir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dbPath", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildBotOptions constructs chat platform client options
func buildBotOptions(flags Flags) []botapi.Option {
	var botOpts []botapi.Option
	if *flags.botToken != "" {
		botOpts = append(botOpts, botapi.WithToken(*flags.botToken))
	}
	if *flags.botBaseURL != "" {
		botOpts = append(botOpts, botapi.WithBaseURL(*flags.botBaseURL))
	}
	return botOpts
}

// buildTwilioOptions constructs Twilio notifier options
func buildTwilioOptions(flags Flags) []messaging.TwilioOption {
	var twilioOpts []messaging.TwilioOption
	if *flags.twilioSID == "" {
		return twilioOpts
	}
	twilioOpts = append(twilioOpts, messaging.WithTwilioAccountSID(*flags.twilioSID))
	if *flags.twilioToken != "" {
		twilioOpts = append(twilioOpts, messaging.WithTwilioAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		twilioOpts = append(twilioOpts, messaging.WithTwilioFrom(*flags.twilioFrom))
	}
	if *flags.artifactBaseURL != "" {
		twilioOpts = append(twilioOpts, messaging.WithTwilioArtifactBaseURL(*flags.artifactBaseURL))
	}
	return twilioOpts
}

// buildEngineOptions constructs engine tunables from the config file
func buildEngineOptions(fileCfg *config.Config) []engine.Option {
	var engineOpts []engine.Option
	if fileCfg == nil {
		return engineOpts
	}
	if fileCfg.Engine.MaxCommitAttempts > 0 {
		engineOpts = append(engineOpts, engine.WithMaxCommitAttempts(fileCfg.Engine.MaxCommitAttempts))
	}
	if fileCfg.Engine.StorageTimeout > 0 {
		engineOpts = append(engineOpts, engine.WithStorageTimeout(fileCfg.Engine.StorageTimeout))
	}
	return engineOpts
}

// buildDispatcherOptions constructs dispatcher tunables from the config file,
// with FORMFLOW_PARTITIONS and FORMFLOW_QUEUE_SIZE environment overrides
func buildDispatcherOptions(fileCfg *config.Config) []engine.DispatcherOption {
	var dispatcherOpts []engine.DispatcherOption

	partitions := 0
	if fileCfg != nil {
		partitions = fileCfg.Engine.Partitions
	}
	partitions = util.ParseIntEnv("FORMFLOW_PARTITIONS", partitions)
	if partitions > 0 {
		dispatcherOpts = append(dispatcherOpts, engine.WithPartitions(partitions))
	}

	if queueSize := util.ParseIntEnv("FORMFLOW_QUEUE_SIZE", 0); queueSize > 0 {
		dispatcherOpts = append(dispatcherOpts, engine.WithPartitionQueueSize(queueSize))
	}
	return dispatcherOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, fileCfg *config.Config) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if fileCfg != nil {
		if fileCfg.Documents.PollInterval > 0 {
			apiOpts = append(apiOpts, api.WithDocumentPollInterval(fileCfg.Documents.PollInterval))
		}
		if fileCfg.Documents.StaleThreshold > 0 {
			apiOpts = append(apiOpts, api.WithStaleThreshold(fileCfg.Documents.StaleThreshold))
		}
	}
	return apiOpts
}
