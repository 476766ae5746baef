package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"time"

	"github.com/carecoord/caresync/internal/api"
	"github.com/carecoord/caresync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootFlags struct {
	ConfigPath       string
	BaseURL          string
	StreamURL        string
	Token            string
	UserId           string
	Username         string
	SessionKey       string
	SubscribeTimeout time.Duration
	Verbose          bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "caresync",
		Short:         "Follow the care-coordination dashboard from a terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	bindRootFlags(root.PersistentFlags(), flags)

	root.AddCommand(newWatchCmd(flags))
	root.AddCommand(newUnreadCmd(flags))
	return root
}

func bindRootFlags(fs *pflag.FlagSet, f *rootFlags) {
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&f.BaseURL, "base-url", "", "REST base URL (CARESYNC_BASE_URL)")
	fs.StringVar(&f.StreamURL, "stream-url", "", "change-stream websocket URL (CARESYNC_STREAM_URL)")
	fs.StringVar(&f.Token, "token", "", "bearer token (CARESYNC_TOKEN)")
	fs.StringVarP(&f.UserId, "user", "u", "", "id of the signed-in user (CARESYNC_USER_ID)")
	fs.StringVar(&f.Username, "username", "", "display name of the signed-in user")
	fs.StringVar(&f.SessionKey, "session-key", "", "presence session key, generated when empty")
	fs.DurationVar(&f.SubscribeTimeout, "subscribe-timeout", 0, "how long a subscribe may wait for its ack")
	fs.BoolVarP(&f.Verbose, "verbose", "v", false, "log engine activity to stderr")
}

func execute(ctx context.Context, args []string) error {
	root := newRootCmd(os.Stdout)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// clientConfig layers the flags that were set on top of the loaded config.
func clientConfig(cmd *cobra.Command, f *rootFlags) (*config.ClientConfig, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, err
	}

	c := cfg.Client
	fs := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("base-url", &c.BaseURL, f.BaseURL)
	set("stream-url", &c.StreamURL, f.StreamURL)
	set("token", &c.Token, f.Token)
	set("user", &c.UserId, f.UserId)
	set("username", &c.Username, f.Username)
	set("session-key", &c.SessionKey, f.SessionKey)
	if fs.Changed("subscribe-timeout") {
		c.SubscribeTimeout = f.SubscribeTimeout
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func newLogger(f *rootFlags) *log.Logger {
	if !f.Verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "[caresync] ", log.LstdFlags)
}

func newAPIClient(c *config.ClientConfig, logger *log.Logger) *api.Client {
	return api.NewClient(api.ClientConfig{
		BaseURL: c.BaseURL,
		Token:   c.Token,
		Log:     logger,
	})
}

// printer writes one JSON object per line.
type printer struct {
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

func (p *printer) print(view string, data any) error {
	return p.enc.Encode(struct {
		View string `json:"view"`
		Data any    `json:"data"`
	}{view, data})
}
