package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/markdown"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the chat command.
var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a streaming backend from the terminal",
	Long: `chat posts each line typed on stdin to the backend's /getMessageWeb endpoint
and prints the reply while it streams.

Commands:
  /new      start a new conversation
  /history  print the conversation so far
  /quit     exit

Flags can also be set with STREAMCHAT_* environment variables or a YAML config
file (default is $HOME/.config/streamchat/chat.yaml).`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger(verbose)

		c, err := newClient(logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r := repl{
			client: c,
			in:     cmd.InOrStdin(),
			out:    cmd.OutOrStdout(),
			html:   viper.GetBool("html"),
			logger: logger,
		}
		return r.run(ctx)
	},
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/streamchat/chat.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.Flags().String("url", "", "backend base url (default http://localhost:5888)")
	rootCmd.Flags().Duration("request-timeout", client.DefaultRequestTimeout, "time allowed for the backend to start replying")
	rootCmd.Flags().Duration("stall-timeout", client.DefaultStallTimeout, "time allowed between two chunks of a reply")
	rootCmd.Flags().String("renderer", string(markdown.StrategyBasic), "markdown renderer used with --html (basic or goldmark)")
	rootCmd.Flags().Bool("html", false, "print the rendered HTML of each reply instead of the raw text")

	for _, name := range []string{"url", "request-timeout", "stall-timeout", "renderer", "html"} {
		cobra.CheckErr(viper.BindPFlag(name, rootCmd.Flags().Lookup(name)))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetEnvPrefix("STREAMCHAT")
	viper.AutomaticEnv()

	viper.SetDefault("url", "")
	viper.SetDefault("port", "5888")

	cobra.CheckErr(viper.BindEnv("url", "STREAMCHAT_URL"))
	cobra.CheckErr(viper.BindEnv("request-timeout", "STREAMCHAT_REQUEST_TIMEOUT"))
	cobra.CheckErr(viper.BindEnv("stall-timeout", "STREAMCHAT_STALL_TIMEOUT"))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(filepath.Join(home, ".config", "streamchat"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("chat")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newClient builds the chat client from the merged flag, env and file settings.
func newClient(logger *slog.Logger) (*client.Client, error) {
	baseURL := viper.GetString("url")
	if baseURL == "" {
		baseURL = client.ResolveBaseURL("", viper.GetString("port"))
	}

	renderer, err := markdown.New(markdown.Config{
		Strategy:  markdown.Strategy(viper.GetString("renderer")),
		Highlight: viper.GetBool("highlight"),
		Style:     viper.GetString("style"),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating markdown renderer: %w", err)
	}

	c, err := client.New(client.Config{
		BaseURL:        baseURL,
		RequestTimeout: viper.GetDuration("request-timeout"),
		StallTimeout:   viper.GetDuration("stall-timeout"),
	}, renderer, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating client: %w", err)
	}
	return c, nil
}
