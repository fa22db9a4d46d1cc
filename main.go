// Package main implements the campaign CLI: it subscribes journeys at the HAFAS gate,
// polls them for real-time events, imports the notifications seen on a test device and
// reports how many events were delivered as push notifications and how fast.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"rtpush-campaign/config"
	"rtpush-campaign/email"
	"rtpush-campaign/gate"
	"rtpush-campaign/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app carries the global flags and what is built from them before a command runs.
type app struct {
	envFile   string
	logFormat string
	verbose   bool
	bucket    string
	localTZ   string

	env    *config.Env
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "rtpush-campaign",
		Short:        "Measure real-time push delivery of HAFAS journey subscriptions",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.envFile, "env-file", ".env", "Optional .env file read before the environment")
	pf.StringVar(&a.logFormat, "log-format", "text", "Log format: text or json")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Debug logging, including one line per poll attempt")
	pf.StringVar(&a.bucket, "bucket", "", "Cloud Storage bucket holding runs (overrides STORAGE_BUCKET)")
	pf.StringVar(&a.localTZ, "local-tz", "", "Timezone of gate wall-clock times (overrides CAMPAIGN_LOCAL_TZ)")

	root.AddCommand(
		a.subscribeCmd(),
		a.pollCmd(),
		a.searchCmd(),
		a.deleteCmd(),
		a.importNotificationLogCmd(),
		a.syncDeviceNotifsCmd(),
		a.reportCmd(),
	)
	return root
}

func (a *app) setup(w io.Writer) error {
	env, err := config.LoadEnv(a.envFile)
	if err != nil {
		return err
	}
	if a.bucket != "" {
		env.Storage.Bucket = a.bucket
	}
	if a.localTZ != "" {
		env.LocalTZ = a.localTZ
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(env.LogLevel)); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", env.LogLevel, err)
	}
	if a.verbose {
		level = slog.LevelDebug
	}
	logger, err := newLogger(w, a.logFormat, level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.env = env
	a.logger = logger
	return nil
}

func newLogger(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// runLocation joins a run name to its parent: a directory locally, an object prefix in a bucket.
func (a *app) runLocation(parent, name string) string {
	if a.env.Storage.Bucket != "" {
		return path.Join(strings.Trim(parent, "/"), name)
	}
	return filepath.Join(parent, name)
}

// openStore opens the run at location, in the configured bucket when there is one.
// The returned func releases the storage client.
func (a *app) openStore(ctx context.Context, location string) (*storage.Store, func(), error) {
	if a.env.Storage.Bucket == "" {
		a.logger.Debug("Using local storage", "run", location)
		return storage.NewLocal(location, a.logger), func() {}, nil
	}

	var opts []option.ClientOption
	if a.env.Storage.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(a.env.Storage.CredentialsJSON)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	a.logger.Debug("Using Cloud Storage", "bucket", a.env.Storage.Bucket, "run", location)
	closeFn := func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, a.env.Storage.Bucket, location, "", a.logger), closeFn, nil
}

// gateFlags override the HAFAS_* environment for one command.
type gateFlags struct {
	baseURL       string
	aid           string
	userID        string
	clientID      string
	channelID     string
	lang          string
	ver           string
	clientType    string
	clientVersion int
	hciVersion    string
	timeoutSec    int
}

func (f *gateFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.baseURL, "base-url", "", "HAFAS /gate endpoint (HAFAS_BASE_URL)")
	fl.StringVar(&f.aid, "aid", "", "AID credential (HAFAS_AID)")
	fl.StringVar(&f.userID, "user-id", "", "External user id (HAFAS_USER_ID)")
	fl.StringVar(&f.clientID, "client-id", "", "HAFAS client id enum for the envelope, e.g. HAFAS or CFL (HAFAS_CLIENT_ID)")
	fl.StringVar(&f.channelID, "channel-id", "", "Push channel id (ANDROID-xxxx) subscriptions deliver to (HAFAS_CHANNEL_ID)")
	fl.StringVar(&f.lang, "lang", "", "Request language (HAFAS_LANG)")
	fl.StringVar(&f.ver, "ver", "", "Envelope version (HAFAS_VER)")
	fl.StringVar(&f.clientType, "hci-client-type", "", "hciClientType query parameter (HAFAS_CLIENT_TYPE)")
	fl.IntVar(&f.clientVersion, "hci-client-version", 0, "hciClientVersion query parameter (HAFAS_CLIENT_VERSION)")
	fl.StringVar(&f.hciVersion, "hci-version", "", "hciVersion query parameter (HAFAS_HCI_VERSION)")
	fl.IntVar(&f.timeoutSec, "timeout-sec", 0, "Request timeout in seconds (HAFAS_TIMEOUT)")
}

func (a *app) gateClient(cmd *cobra.Command, f *gateFlags) (*gate.Client, error) {
	h := &a.env.Hafas
	fl := cmd.Flags()
	for name, apply := range map[string]func(){
		"base-url":           func() { h.BaseURL = f.baseURL },
		"aid":                func() { h.AID = f.aid },
		"user-id":            func() { h.UserID = f.userID },
		"client-id":          func() { h.ClientID = f.clientID },
		"channel-id":         func() { h.ChannelID = f.channelID },
		"lang":               func() { h.Lang = f.lang },
		"ver":                func() { h.Ver = f.ver },
		"hci-client-type":    func() { h.ClientType = f.clientType },
		"hci-client-version": func() { h.ClientVersion = f.clientVersion },
		"hci-version":        func() { h.HCIVersion = f.hciVersion },
		"timeout-sec":        func() { h.Timeout = time.Duration(f.timeoutSec) * time.Second },
	} {
		if fl.Changed(name) {
			apply()
		}
	}
	if err := a.env.ValidateGate(); err != nil {
		return nil, err
	}
	if gate.LooksLikeChannelID(h.ClientID) {
		a.logger.Warn("Client id looks like a push channel id; use --channel-id for ANDROID-xxxx and --client-id for the HAFAS/CFL client enum",
			"client_id", h.ClientID)
	}
	return gate.New(a.env.Gate(), nil, a.logger), nil
}

// mailer builds the report sender for the configured provider.
func (a *app) mailer(ctx context.Context) (*email.Sender, error) {
	var provider email.Provider
	switch strings.ToLower(a.env.Mail.Provider) {
	case "gmail":
		svc, err := initGmailService(ctx, a.env.Storage.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("init gmail: %w", err)
		}
		provider = email.NewGmailProvider(svc, a.logger)
	case "brevo":
		if a.env.Mail.BrevoAPIKey == "" || a.env.Mail.From == "" {
			return nil, errors.New("BREVO_API_KEY and MAIL_FROM are required for the brevo provider")
		}
		provider = email.NewBrevoProvider(a.env.Mail.BrevoAPIKey, a.env.Mail.From, a.env.Mail.FromName, a.logger)
	case "mock", "":
		provider = email.NewMockProvider(a.logger)
	default:
		return nil, fmt.Errorf("unknown MAIL_PROVIDER %q", a.env.Mail.Provider)
	}
	return email.New(provider, a.logger), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
