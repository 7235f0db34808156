package cmd

import (
	"context"
	"fmt"
	"github.com/eggbot/eggbot/eggbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = eggbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "eggbot [flags]",
	Short: "A discord bot for keyword notifications and moderation notes",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes viper's settings into config, replacing
// (rather than merging into) its existing slices. Level names are decoded
// into *slog.LevelVar, and space-separated strings (ex: CORS settings
// from the environment) into slices.
func unmarshalConfig(config *eggbot.Config) error {
	return viper.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
		func(c *mapstructure.DecoderConfig) {
			c.ZeroFields = true
		},
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: "INFO") into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", eggbot.DefaultDatabase)
	viper.SetDefault("database_type", eggbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", eggbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", eggbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("modules_config", eggbot.DefaultModulesConfig)
	viper.SetDefault("watch_modules_config", false)
	viper.SetDefault("deferred_retry_after", eggbot.DefaultDeferredRetryAfter)

	viper.SetDefault("log_level", eggbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", eggbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", eggbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.command_prefix", eggbot.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.moderator_role_id", "")
	viper.SetDefault("discord.custom_status", "")
	viper.SetDefault("discord.log_level", eggbot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		eggbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", eggbot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.notify_every", eggbot.DefaultDiscordNotifyEvery)
	viper.SetDefault("discord.notify_burst", eggbot.DefaultDiscordNotifyBurst)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", eggbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", eggbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", eggbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", eggbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", eggbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", eggbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", eggbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", eggbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", eggbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", eggbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		eggbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(eggbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = eggbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
