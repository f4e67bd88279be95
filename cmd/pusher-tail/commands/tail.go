package commands

import (
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lumastream/pusher-go/pusher"
)

var log *logrus.Logger

// tailCmd represents the tail command
var tailCmd = &cobra.Command{
	Use:   "tail CHANNEL [CHANNEL...]",
	Short: "Subscribe to channels and print their events",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTail,
}

func init() {
	RootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringP("app-key", "k", "", "application key")
	_ = viper.BindPFlag("appKey", tailCmd.Flags().Lookup("app-key"))
	tailCmd.Flags().String("host", "ws.pusherapp.com", "service host")
	_ = viper.BindPFlag("host", tailCmd.Flags().Lookup("host"))
	tailCmd.Flags().Bool("insecure", false, "connect over ws instead of wss")
	_ = viper.BindPFlag("insecure", tailCmd.Flags().Lookup("insecure"))
	tailCmd.Flags().String("auth-endpoint", "", "auth endpoint URL for private and presence channels")
	_ = viper.BindPFlag("authEndpoint", tailCmd.Flags().Lookup("auth-endpoint"))
	tailCmd.Flags().StringSlice("auth-header", nil, "extra auth request header as 'Name: value' (repeatable)")
	_ = viper.BindPFlag("authHeaders", tailCmd.Flags().Lookup("auth-header"))
	tailCmd.Flags().Duration("reconnect-delay", time.Second, "base delay between reconnect attempts (0 disables reconnects)")
	_ = viper.BindPFlag("reconnectDelay", tailCmd.Flags().Lookup("reconnect-delay"))
}

func runTail(cmd *cobra.Command, args []string) error {
	log = logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	if viper.GetBool("verbose") {
		log.Level = logrus.DebugLevel
	}

	appKey := viper.GetString("appKey")
	if appKey == "" {
		return errors.New("an application key is required (--app-key or PUSHER_APPKEY)")
	}

	client := pusher.NewClient(appKey, "pusher-tail").
		SetHost(viper.GetString("host")).
		SetEncrypted(!viper.GetBool("insecure")).
		SetLogger(log).
		SetErrorHandler(func(err error) { log.Error(err) }).
		SetStateChangeHandler(func(previous pusher.ConnectionState, current pusher.ConnectionState) {
			log.WithFields(logrus.Fields{
				"from": previous.String(),
				"to":   current.String(),
			}).Info("connection state changed")
		})

	if endpoint := viper.GetString("authEndpoint"); endpoint != "" {
		authorizer := pusher.NewHTTPAuthorizer(endpoint)
		authorizer.Headers = parseAuthHeaders(viper.GetStringSlice("authHeaders"))
		client.SetAuthorizer(authorizer)
	}
	if delay := viper.GetDuration("reconnectDelay"); delay > 0 {
		client.SetReconnectStrategy(pusher.NewExponentialDelayStrategy(delay, 30*time.Second, 2))
	}

	if err := client.Connect(); err != nil {
		return errors.Wrap(err, "connecting")
	}
	defer func() { _ = client.Disconnect() }()
	log.WithField("socket_id", client.SocketID()).Info("connected")

	for _, name := range args {
		channel, err := client.Subscribe(name)
		if err != nil {
			return errors.Wrapf(err, "subscribing to %q", name)
		}

		channelName := name
		channel.BindAll(func(event string, data string) {
			log.WithFields(logrus.Fields{
				"channel": channelName,
				"event":   event,
			}).Info(data)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %v, shutting down", sig)
	return nil
}

// parseAuthHeaders converts 'Name: value' pairs into an http.Header.
func parseAuthHeaders(pairs []string) http.Header {
	headers := http.Header{}
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, ":")
		if !found {
			continue
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return headers
}
