package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lanlinks/client"
	"lanlinks/config"
	"lanlinks/discovery"
	"lanlinks/logging"
	"lanlinks/models"
	"lanlinks/sharing"
	"lanlinks/storage"
)

var (
	dataDirFlag string
	verbose     bool
	jsonLogs    bool
	autoAccept  bool
)

func main() {
	root := &cobra.Command{
		Use:           "links",
		Short:         "Chat and share files with peers on the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (defaults to $"+config.DataDirEnv+" or the user config dir)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs")
	root.AddCommand(newRunCmd(), newConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveDataDir() (string, error) {
	if dataDirFlag != "" {
		return dataDirFlag, nil
	}
	return config.ResolveDataDir()
}

func newLogger(level string) (*zap.Logger, error) {
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Options{Level: level, JSON: jsonLogs})
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the settings file, creating it when missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := resolveDataDir()
			if err != nil {
				return err
			}
			logger, err := newLogger("warn")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			settings, path, err := config.LoadOrCreate(cmd.Context(), dataDir, logger)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(settings, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s\n", path, out)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the client until interrupted",
		Long: `Run the client: announce this machine, track peers and accept messages.

Commands read from standard input:
  /peers                   list known peers
  /clean                   forget offline peers
  /history <peer>          print the conversation with a peer
  /text <peer> <text>      send a text message
  /image <peer> <path>     send an image
  /file <peer> <path>      send a file
  /dir <peer> <path>       send a directory
  /name <name> [text]      change the announced profile`,
		RunE: runClient,
	}
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "accept every incoming file and directory")
	return cmd
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}
	bootstrap, err := newLogger("info")
	if err != nil {
		return err
	}
	settings, cfgPath, err := config.LoadOrCreate(ctx, dataDir, bootstrap)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		bootstrap.Warn("invalid log level, keeping info", zap.String("level", settings.LogLevel), zap.Error(err))
		logger = bootstrap
	}
	defer func() { _ = logger.Sync() }()

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close failed", zap.Error(err))
		}
	}()

	c, err := client.New(client.Options{
		Settings: settings,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	c.SubscribePeers(func(event discovery.Event) {
		switch event.Type {
		case discovery.EventPeerAdded, discovery.EventPeerOffline, discovery.EventPeerRemoved:
			logger.Info("peer "+strings.TrimPrefix(string(event.Type), "peer_"),
				zap.String("peer", event.Peer.ID),
				zap.String("name", event.Peer.Name),
				zap.String("ip", event.Peer.IP),
			)
		}
	})
	c.SubscribeMessages(func(message models.Message) {
		if message.Origin == models.OriginRemote && message.Completed() {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", message.PeerID, describeMessage(message))
		}
	})
	if autoAccept {
		accept := func(session *sharing.Session) {
			viewer := session.Viewer()
			logger.Info("accepting share",
				zap.String("peer", viewer.PeerID),
				zap.Stringer("kind", viewer.Kind),
				zap.String("name", viewer.Name),
			)
			_ = session.Accept(true)
		}
		c.OnFileReceiver(accept)
		c.OnDirectoryReceiver(accept)
	}

	if err := c.Start(ctx); err != nil {
		return err
	}
	logger.Info("running",
		zap.String("id", c.ID()),
		zap.String("config", cfgPath),
		zap.String("database", dbPath),
	)

	go readConsole(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), c, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	stopErr := c.Stop()

	saveCtx, cancel := context.WithTimeout(context.Background(), config.IOTimeout)
	defer cancel()
	if err := config.Save(saveCtx, cfgPath, c.Settings()); err != nil {
		logger.Warn("save settings failed", zap.Error(err))
	}
	return stopErr
}

func describeMessage(message models.Message) string {
	if message.Kind == models.MessageKindImage {
		if message.ImagePath == "" {
			return "image " + message.Content + " (" + message.Status + ")"
		}
		return "image " + message.ImagePath
	}
	return message.Content
}

func readConsole(ctx context.Context, in io.Reader, out io.Writer, c *client.Client, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runConsoleCommand(ctx, line, out, c); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("console closed", zap.Error(err))
	}
}

func runConsoleCommand(ctx context.Context, line string, out io.Writer, c *client.Client) error {
	command, rest, _ := strings.Cut(line, " ")
	peer, argument, _ := strings.Cut(strings.TrimSpace(rest), " ")
	argument = strings.TrimSpace(argument)

	switch command {
	case "/peers":
		for _, p := range c.Peers() {
			fmt.Fprintf(out, "%s  %-20s %-8s %s  %s\n", p.ID, p.Name, p.Status, p.IP, p.Text)
		}
		return nil
	case "/clean":
		for _, id := range c.CleanOfflinePeers(ctx) {
			fmt.Fprintln(out, "removed", id)
		}
		return nil
	case "/name":
		c.SetProfile(peer, argument)
		return nil
	case "/history":
		messages, err := c.Messages(ctx, peer)
		if err != nil {
			return err
		}
		for _, m := range messages {
			fmt.Fprintf(out, "%s %-6s %s\n", m.Origin, m.Status, describeMessage(m))
		}
		return nil
	}

	if peer == "" || argument == "" {
		return errors.New("usage: " + command + " <peer> <argument>")
	}
	switch command {
	case "/text":
		go report(out, "text", func() error {
			_, err := c.SendText(ctx, peer, argument)
			return err
		})
	case "/image":
		go report(out, "image", func() error {
			_, err := c.SendImage(ctx, peer, argument)
			return err
		})
	case "/file":
		go report(out, "file", func() error {
			session, err := c.SendFile(ctx, peer, argument, nil)
			if err == nil {
				fmt.Fprintln(out, "file", session.Viewer().Status)
			}
			return err
		})
	case "/dir":
		go report(out, "directory", func() error {
			session, err := c.SendDirectory(ctx, peer, argument, nil)
			if err == nil {
				fmt.Fprintln(out, "directory", session.Viewer().Status)
			}
			return err
		})
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func report(out io.Writer, what string, send func() error) {
	if err := send(); err != nil {
		fmt.Fprintf(out, "%s not delivered: %v\n", what, err)
	}
}
