package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chilledoj/portalchat"
	"github.com/chilledoj/portalchat/internal/logger"
	"github.com/chilledoj/portalchat/internal/tui"
	"github.com/chilledoj/portalchat/internal/version"
)

const applicationName = "portalchat"

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Chat with your assigned customer or worker",
	Long: `chatclient opens a chat session against a portal relay. The signed-in user
is read from the bearer token; the counterpart is the worker assigned to a
customer, or the customer a worker is serving.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	RunE:          runRoot,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.Flags()
	flags.String("role", string(portalchat.Customer), `Session role: "customer" or "worker"`)
	flags.Int64("remote", -1, "Id of the counterpart; -1 when none is assigned")
	flags.String("socket-url", "ws://localhost:8080/chat", "Relay WebSocket endpoint")
	flags.String("base-url", "http://localhost:8080", "Relay HTTP base url for history; empty disables history")
	flags.String("token", "", "Bearer token of the signed-in user")
	flags.Bool("socket-token", false, "Pass the token to the relay on connect")
	flags.Int("reconnect", 0, "Reconnect attempts after the connection drops; 0 disables reconnecting")
	flags.String("log-file", "", "Log file (default: chatclient.log in the config dir)")
	flags.Bool("debug", false, "Log at debug level")

	for _, name := range []string{"role", "remote", "socket-url", "base-url", "token", "socket-token", "reconnect", "log-file", "debug"} {
		cobra.CheckErr(viper.BindPFlag(configKey(name), flags.Lookup(name)))
	}
}

// configKey maps a flag name to its config file and environment key.
func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func configDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		configHome = filepath.Join(home, ".config")
	}

	return filepath.Clean(filepath.Join(configHome, applicationName))
}

func initConfig() {
	dir := configDir()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0750)
		cobra.CheckErr(err)
	}

	viper.AddConfigPath(dir)
	viper.SetConfigType("json")
	viper.SetConfigName("config")

	viper.SetEnvPrefix(applicationName)
	viper.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))
	viper.AutomaticEnv()

	// Silently ignore missing config file
	_ = viper.ReadInConfig()
}

type clientConfig struct {
	Role        portalchat.ParticipantType
	Remote      int64
	SocketURL   string
	BaseURL     string
	Token       string
	SocketToken bool
	Reconnect   int
	LogFile     string
	Debug       bool
}

func loadClientConfig(v *viper.Viper) (clientConfig, error) {
	role, err := portalchat.ParseParticipantType(v.GetString("role"))
	if err != nil {
		return clientConfig{}, fmt.Errorf("parsing --role: %w", err)
	}
	if v.GetInt("reconnect") < 0 {
		return clientConfig{}, fmt.Errorf("--reconnect must not be negative")
	}
	cfg := clientConfig{
		Role:        role,
		Remote:      v.GetInt64("remote"),
		SocketURL:   v.GetString("socket_url"),
		BaseURL:     strings.TrimRight(v.GetString("base_url"), "/"),
		Token:       strings.TrimSpace(v.GetString("token")),
		SocketToken: v.GetBool("socket_token"),
		Reconnect:   v.GetInt("reconnect"),
		LogFile:     v.GetString("log_file"),
		Debug:       v.GetBool("debug"),
	}
	return cfg, nil
}

// sessionOptions wires the token store, identity resolver and history loader
// for cfg. Observers are left for the caller. A missing or expired token leaves
// the store empty; the session then stays Idle.
func sessionOptions(cfg clientConfig, sl *slog.Logger) portalchat.Options {
	if sl == nil {
		sl = slog.Default()
	}
	tokens := portalchat.NewTokenStore()
	if cfg.Token == "" {
		sl.Warn("no token configured", "hint", "pass --token or set "+strings.ToUpper(applicationName)+"_TOKEN")
	} else if err := tokens.Set(cfg.Token); err != nil {
		sl.Warn("token not stored", "err", err)
	}

	opts := portalchat.Options{
		Role:      cfg.Role,
		Remote:    cfg.Remote,
		SocketURL: cfg.SocketURL,
		Identity: &portalchat.IdentityResolver{
			Tokens:      tokens,
			DefaultType: cfg.Role,
			Slogger:     sl,
		},
		Slogger: sl,
	}
	if cfg.BaseURL != "" {
		opts.History = &portalchat.HistoryLoader{BaseURL: cfg.BaseURL, Tokens: tokens, Slogger: sl}
	}
	if cfg.SocketToken {
		opts.SocketToken = tokens
	}
	if cfg.Reconnect > 0 {
		opts.Reconnect = &portalchat.ReconnectPolicy{MaxAttempts: cfg.Reconnect}
	}
	return opts
}

// newSession builds and starts the session behind the UI. Identity failures are
// logged and leave the session Idle so the UI still renders.
func newSession(cfg clientConfig, sl *slog.Logger, notifier *tui.Notifier) (*portalchat.ChatSession, error) {
	opts := sessionOptions(cfg, sl)
	opts.OnStateChange = notifier.OnStateChange
	opts.OnTranscriptChange = notifier.OnTranscriptChange

	session, err := portalchat.NewChatSession(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	if err := session.Start(); err != nil {
		session.Slogger.Warn("chat unavailable, staying idle", "err", err)
	}
	return session, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadClientConfig(viper.GetViper())
	if err != nil {
		return err
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(configDir(), "chatclient.log")
	}
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	// The terminal belongs to the UI, so logs only go to the file.
	sl, syncLogs := logger.New(logger.Options{FilePath: logFile, Level: level})
	defer func() { _ = syncLogs() }()
	sl.Info("starting chatclient", "version", version.Get().String(), "role", cfg.Role, "remote", cfg.Remote)

	notifier := tui.NewNotifier()
	session, err := newSession(cfg, sl, notifier)
	if err != nil {
		return err
	}
	defer session.Close()

	if _, err := tea.NewProgram(tui.New(session, notifier), tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("running ui: %w", err)
	}
	return nil
}
