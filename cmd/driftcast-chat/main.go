package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/driftcast/driftcast-client/internal/api"
	"github.com/driftcast/driftcast-client/internal/auth"
	"github.com/driftcast/driftcast-client/internal/chat"
	"github.com/driftcast/driftcast-client/internal/config"
	"github.com/driftcast/driftcast-client/internal/database"
	"github.com/driftcast/driftcast-client/internal/logging"
	"github.com/driftcast/driftcast-client/internal/notify"
	"github.com/driftcast/driftcast-client/internal/profile"
	"github.com/driftcast/driftcast-client/internal/store"
	"github.com/driftcast/driftcast-client/internal/stubserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	username string
	password string
	streamID string
	hostID   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftcast-chat",
		Short: "Driftcast live chat client",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newStubCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Backend base URL (overrides discovery)")
	cmd.PersistentFlags().String("production-host", defaults.GetString("api.production_host"), "Production backend host")
	cmd.PersistentFlags().String("media-base-url", defaults.GetString("api.media_base_url"), "Base URL for relative avatar paths")
	cmd.PersistentFlags().String("ws-url", defaults.GetString("ws.url"), "Notification websocket URL (overrides derivation)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (console, json)")
	cmd.PersistentFlags().Int("chat-history-limit", defaults.GetInt("chat.history_limit"), "Maximum retained chat messages")

	cmd.Flags().StringVar(&username, "username", "", "Account username")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().StringVar(&streamID, "stream", "", "Stream to join")
	cmd.Flags().StringVar(&hostID, "host-id", "", "User id of the stream host")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.production_host", "production-host")
	bindFlag(cmd, "api.media_base_url", "media-base-url")
	bindFlag(cmd, "ws.url", "ws-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "chat.history_limit", "chat-history-limit")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runClient(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if strings.TrimSpace(username) == "" || strings.TrimSpace(streamID) == "" {
		return errors.New("--username and --stream are required")
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	inbox, err := store.NewStore(store.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	baseURL := appConfig.APIBaseURL
	if baseURL == "" {
		baseURL, err = api.ResolveBaseURL(appConfig.ProductionHost, api.ProbeLocalAddress)
		if err != nil {
			return err
		}
	}
	client, err := api.NewClient(api.ClientConfig{BaseURL: baseURL, Logger: logger})
	if err != nil {
		return err
	}
	logger.Info("backend resolved", zap.String("base_url", baseURL))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pair, err := client.IssueToken(signalCtx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	claims, err := auth.ParseAccessClaims(pair.AccessToken, time.Now)
	if err != nil {
		return err
	}
	if err := inbox.SaveTokens(signalCtx, claims.UserID, pair.AccessToken, pair.RefreshToken); err != nil {
		logger.Warn("failed to persist tokens", zap.Error(err))
	}

	profiles, err := profile.NewCache(profile.CacheConfig{
		Fetcher:       client,
		AvatarBaseURL: appConfig.MediaBaseURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	registry, err := chat.NewRegistry(func(user chat.User) (*chat.Service, error) {
		return chat.NewService(chat.ServiceConfig{
			Provider:    chat.NewGateway(chat.GatewayConfig{Logger: logger}),
			Credentials: client,
			Logger:      logger,
		})
	}, logger)
	if err != nil {
		return err
	}
	defer registry.Shutdown(context.Background())

	user := chat.User{ID: claims.UserID, Username: claims.Username}
	service, err := registry.ForUser(user)
	if err != nil {
		return err
	}

	session, err := chat.NewSession(chat.SessionConfig{
		Adapter:      service,
		Profiles:     profiles,
		StreamID:     streamID,
		HostID:       hostID,
		User:         user,
		HistoryLimit: appConfig.ChatHistoryLimit,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := session.Start(signalCtx); err != nil {
		return fmt.Errorf("chat session failed: %w", err)
	}
	defer session.Close(context.Background())

	center, err := notify.NewCenter(notify.CenterConfig{
		Stats:        client,
		Inbox:        inbox,
		PollInterval: appConfig.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer center.Close()

	wsURL := appConfig.WebsocketURL
	if wsURL == "" {
		wsURL = api.NotificationsWSURL(baseURL)
	}
	channel, err := notify.NewChannel(notify.ChannelConfig{
		URL:         wsURL,
		Token:       pair.AccessToken,
		UserID:      claims.UserID,
		Logger:      logger,
		BackoffBase: appConfig.ReconnectBase,
		BackoffCap:  appConfig.ReconnectCap,
		MaxAttempts: appConfig.ReconnectLimit,
		OnEvent:     center.HandleEvent,
		OnState:     center.HandleStateChange,
	})
	if err != nil {
		return err
	}
	if err := channel.Connect(signalCtx); err != nil && !errors.Is(err, notify.ErrNotSupported) {
		logger.Warn("notification channel unavailable", zap.Error(err))
	}
	defer channel.Disconnect()

	if listed, err := client.ListNotifications(signalCtx); err == nil {
		if err := inbox.ReplaceInbox(signalCtx, listed); err != nil {
			logger.Warn("failed to cache inbox", zap.Error(err))
		}
	}

	for _, message := range session.Messages() {
		printMessage(message)
	}
	events, unsubscribe := service.Subscribe(signalCtx)
	defer unsubscribe()
	go func() {
		for event := range events {
			printMessage(chat.DisplayMessage(event, profiles.Resolve(signalCtx, senderOf(event))))
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				stop()
				return
			}
			if err := session.SendMessage(signalCtx, line); err != nil {
				logger.Warn("send failed", zap.Error(err))
			}
		}
	}()

	<-signalCtx.Done()
	logger.Info("shutting down")
	return nil
}

func printMessage(message chat.ChatMessage) {
	switch message.Kind {
	case chat.KindGift:
		fmt.Printf("[%s] %s sent %s\n", message.CreatedAt.Format("15:04:05"), message.DisplayName, message.Gift.Name)
	case chat.KindJoin:
		fmt.Printf("[%s] %s joined\n", message.CreatedAt.Format("15:04:05"), message.DisplayName)
	case chat.KindLeave:
		fmt.Printf("[%s] %s left\n", message.CreatedAt.Format("15:04:05"), message.DisplayName)
	default:
		fmt.Printf("[%s] %s: %s\n", message.CreatedAt.Format("15:04:05"), message.DisplayName, message.Text)
	}
}

func senderOf(event chat.Event) string {
	switch typed := event.(type) {
	case chat.TextMessage:
		return typed.SenderID
	case chat.GiftEvent:
		return typed.SenderID
	case chat.SystemEvent:
		return typed.SenderID
	default:
		return ""
	}
}

func newStubCommand() *cobra.Command {
	var (
		listenAddress string
		signingSecret string
	)
	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Run an in-memory backend double for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStub(cmd.Context(), listenAddress, signingSecret)
		},
	}
	cmd.Flags().StringVar(&listenAddress, "listen", ":8000", "HTTP listen address")
	cmd.Flags().StringVar(&signingSecret, "signing-secret", "driftcast-dev-secret", "HS256 signing secret")
	return cmd
}

func runStub(ctx context.Context, listenAddress, signingSecret string) error {
	logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "driftcast-stub",
	})
	stub, handler, err := stubserver.New(stubserver.Dependencies{
		Issuer:                issuer,
		Logger:                logger,
		RealtimeNotifications: true,
	})
	if err != nil {
		return err
	}
	externalHost := listenAddress
	if strings.HasPrefix(externalHost, ":") {
		externalHost = "127.0.0.1" + externalHost
	}
	stub.SetExternalURL("http://" + externalHost)

	httpServer := &http.Server{
		Addr:    listenAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stub backend starting", zap.String("address", listenAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
