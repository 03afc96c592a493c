package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	commandsapp "mowerlink/internal/commands/application"
	commands "mowerlink/internal/commands/domain"
	commandsrepo "mowerlink/internal/commands/infrastructure/postgres"
	"mowerlink/internal/commands/infrastructure/memory"
	"mowerlink/internal/commands/interfaces/notify"
	"mowerlink/internal/config"
	telemetryapp "mowerlink/internal/telemetry/application"
	"mowerlink/internal/tr50"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var rootCmd = &cobra.Command{
	Use:           "mowerlink",
	Short:         "Command dispatcher for a DeviceWise connected robotic mower",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MOWERLINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "mowerlink.yaml", "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadSettings loads and validates the config file plus environment.
func loadSettings() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newTR50Client(cfg *config.Config) (*tr50.Client, error) {
	mapping, err := cfg.StatusMapping()
	if err != nil {
		return nil, err
	}
	return tr50.NewClient(cfg.API.Endpoint,
		tr50.WithAppToken(cfg.API.AppToken),
		tr50.WithAckTimeout(cfg.API.AckTimeout),
		tr50.WithRequestTimeout(cfg.API.RequestTimeout),
		tr50.WithStatusMapping(mapping),
	)
}

func openDB(cfg *config.Config, logger *log.Logger) (*sql.DB, error) {
	if cfg.Server.DatabaseURL == "" {
		return nil, nil
	}
	db, err := sql.Open("pgx", cfg.Server.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	logger.Printf("history store: postgres")
	return db, nil
}

func newHistoryRepo(cfg *config.Config, db *sql.DB) commandsapp.HistoryRepository {
	if db != nil {
		return commandsrepo.NewHistoryRepository(db)
	}
	return memory.NewHistoryRepository(cfg.Server.HistoryMemory)
}

// runtime is the wired dispatch pipeline for one mower.
type runtime struct {
	client     *tr50.Client
	sessions   *commandsapp.SessionManager
	dispatcher *commandsapp.Dispatcher
	service    *commandsapp.Service
	history    *commandsapp.History
	tracker    *telemetryapp.Tracker
	notifier   *notify.WebhookNotifier
}

// flush waits for outstanding failure notifications. Call it after the
// dispatcher worker has returned.
func (rt *runtime) flush() {
	if rt.notifier != nil {
		rt.notifier.Wait()
	}
}

func buildRuntime(cfg *config.Config, logger *log.Logger, repo commandsapp.HistoryRepository) (*runtime, error) {
	if err := cfg.RequireDevice(); err != nil {
		return nil, err
	}
	client, err := newTR50Client(cfg)
	if err != nil {
		return nil, err
	}
	sessions, err := commandsapp.NewSessionManager(client, cfg.Device.IMEI, cfg.Identity(),
		commandsapp.WithSessionTTL(cfg.Session.TTL))
	if err != nil {
		return nil, err
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	history, err := commandsapp.NewHistory(repo, logger)
	if err != nil {
		return nil, err
	}
	tracker := telemetryapp.NewTracker(logger)
	observers := []commandsapp.Observer{history, tracker}
	var notifier *notify.WebhookNotifier
	if cfg.Notify.WebhookURL != "" {
		notifier, err = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Template,
			notify.WithDedupeWindow(cfg.Notify.DedupeWindow),
			notify.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		observers = append(observers, notifier)
	}
	dispatcher, err := commandsapp.NewDispatcher(sessions, client, policy,
		commandsapp.WithLogger(logger),
		commandsapp.WithObserver(observers...),
		commandsapp.WithPacing(cfg.Queue.RateDelay),
	)
	if err != nil {
		return nil, err
	}
	service, err := commandsapp.NewService(commands.NewRegistry(), dispatcher, cfg.Queue.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return &runtime{
		client:     client,
		sessions:   sessions,
		dispatcher: dispatcher,
		service:    service,
		history:    history,
		tracker:    tracker,
		notifier:   notifier,
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
