package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/carecoord/caresync/internal/config"
	"github.com/carecoord/caresync/internal/engine"
	"github.com/carecoord/caresync/internal/optimistic"
	"github.com/carecoord/caresync/internal/realtime"
	"github.com/carecoord/caresync/internal/stats"
	"github.com/carecoord/caresync/internal/types"
	"github.com/carecoord/caresync/internal/unread"
	"github.com/spf13/cobra"
)

type watchFlags struct {
	Issues        bool
	Chat          string
	Notifications bool
	Unread        bool
	DebugAddr     string
}

func newWatchCmd(root *rootFlags) *cobra.Command {
	wf := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream view snapshots as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !wf.Issues && wf.Chat == "" && !wf.Notifications && !wf.Unread {
				return errors.New("select at least one view: --issues, --chat, --notifications or --unread")
			}
			cfg, err := clientConfig(cmd, root)
			if err != nil {
				return err
			}
			return runWatch(cmd, cfg, wf, newLogger(root))
		},
	}

	fs := cmd.Flags()
	fs.BoolVar(&wf.Issues, "issues", false, "follow the active issue queue")
	fs.StringVar(&wf.Chat, "chat", "", "follow a conversation thread by id")
	fs.BoolVar(&wf.Notifications, "notifications", false, "follow the notification tray")
	fs.BoolVar(&wf.Unread, "unread", false, "follow the unread chat badge")
	fs.StringVar(&wf.DebugAddr, "debug-addr", "", "serve /debug/vars on this address")
	return cmd
}

// view prints the current snapshot of one open view.
type view struct {
	print func(*printer) error
	close func()
}

func runWatch(cmd *cobra.Command, cfg *config.ClientConfig, wf *watchFlags, logger *log.Logger) error {
	ctx := cmd.Context()

	var mux *http.ServeMux
	if wf.DebugAddr != "" {
		mux = http.NewServeMux()
	}
	su := stats.NewStatsUpdater(mux)
	su.Run()
	defer su.Stop()
	if mux != nil {
		srv := &http.Server{Addr: wf.DebugAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("debug server: %v", err)
			}
		}()
		defer srv.Close()
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	transport := realtime.NewTransport(realtime.TransportConfig{
		URL:              cfg.StreamURL,
		Header:           header,
		SubscribeTimeout: cfg.SubscribeTimeout,
		SessionKey:       cfg.SessionKey,
		Log:              logger,
		Stats:            su,
	})
	defer transport.Close()

	out := newPrinter(cmd.OutOrStdout())
	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	eng, err := engine.New(engine.Options{
		Self:           types.User{Id: cfg.UserId, Username: cfg.Username},
		SessionKey:     cfg.SessionKey,
		Backend:        newAPIClient(cfg, logger),
		Transport:      transport,
		Backoff:        realtime.DefaultBackoff(),
		UnreadDebounce: cfg.UnreadDebounce,
		TypingTTL:      cfg.TypingTTL,
		Log:            logger,
		Stats:          su,
		OnConnectivity: func(c realtime.Connectivity) {
			logger.Printf("connectivity: %s", c)
			notify()
		},
	})
	if err != nil {
		return err
	}
	eng.Start()
	defer eng.Close()

	opts := engine.ViewOptions{
		OnChange: notify,
		OnError: func(merr *optimistic.MutationError) {
			fmt.Fprintln(cmd.ErrOrStderr(), "rolled back:", merr)
		},
	}
	views, err := openViews(eng, wf, opts, notify)
	if err != nil {
		return err
	}
	defer func() {
		for _, v := range views {
			v.close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if err := out.print("connectivity", eng.Connectivity().String()); err != nil {
				return err
			}
			for _, v := range views {
				if err := v.print(out); err != nil {
					return err
				}
			}
		}
	}
}

func openViews(eng *engine.Engine, wf *watchFlags, opts engine.ViewOptions, notify func()) ([]view, error) {
	var views []view
	fail := func(err error) ([]view, error) {
		for _, v := range views {
			v.close()
		}
		return nil, err
	}

	if wf.Issues {
		q, err := eng.IssueQueue(opts)
		if err != nil {
			return fail(err)
		}
		views = append(views, view{
			print: func(p *printer) error {
				return p.print("issues", struct {
					Issues []types.Issue             `json:"issues"`
					Counts map[types.IssueStatus]int `json:"counts"`
				}{q.Issues(), q.Counts()})
			},
			close: q.Close,
		})
	}

	if wf.Chat != "" {
		th, err := eng.ChatThread(wf.Chat, opts)
		if err != nil {
			return fail(err)
		}
		views = append(views, view{
			print: func(p *printer) error {
				return p.print("chat", struct {
					Conversation string              `json:"conversation"`
					Messages     []types.ChatMessage `json:"messages"`
					HasMore      bool                `json:"has_more"`
					Typing       int                 `json:"typing"`
				}{wf.Chat, th.Messages(), th.HasMore(), len(th.Typing())})
			},
			close: th.Close,
		})
	}

	if wf.Notifications {
		tr, err := eng.NotificationTray(opts)
		if err != nil {
			return fail(err)
		}
		views = append(views, view{
			print: func(p *printer) error {
				return p.print("notifications", struct {
					Notifications []types.Notification `json:"notifications"`
					Unread        int                  `json:"unread"`
				}{tr.Notifications(), tr.UnreadCount()})
			},
			close: tr.Close,
		})
	}

	if wf.Unread {
		b, err := eng.Unread(func(unread.Aggregate) { notify() })
		if err != nil {
			return fail(err)
		}
		views = append(views, view{
			print: func(p *printer) error {
				agg := b.Aggregate()
				return p.print("unread", struct {
					Count           int            `json:"count"`
					PerConversation map[string]int `json:"per_conversation,omitempty"`
					LastSyncedAt    time.Time      `json:"last_synced_at"`
				}{agg.Count, agg.PerConversation, agg.LastSyncedAt})
			},
			close: b.Close,
		})
	}
	return views, nil
}
