package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/client"
	"prism-board/events"
)

var (
	watchPendingTTL time.Duration
	watchQuiet      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a board in real time",
	Long: `Load the board, subscribe to its event stream and print it on every change.

The stream is reopened with exponential backoff when it drops, and the board
is reloaded so events missed while disconnected are not lost.

Examples:
  board-watch watch --board b1 --token $TOKEN
  board-watch watch --board b1 --pending-ttl 0`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchPendingTTL, "pending-ttl", 30*time.Second, "Revert local changes unconfirmed for this long (0 disables)")
	watchCmd.Flags().BoolVarP(&watchQuiet, "quiet", "q", false, "Print only event names instead of the whole board")
	rootCmd.AddCommand(watchCmd)
}

type watcher struct {
	api    *client.API
	store  *client.Store
	rec    *client.Reconciler
	logger *log.Logger
	quiet  bool
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	store := client.NewStore(client.Options{PendingTTL: watchPendingTTL})
	w := &watcher{
		api:    newAPI(),
		store:  store,
		rec:    client.NewReconciler(store, logger),
		logger: logger,
		quiet:  watchQuiet,
	}
	if err := w.reload(ctx); err != nil {
		return fmt.Errorf("failed to load board: %w", err)
	}
	render(cmd.OutOrStdout(), store)

	if watchPendingTTL > 0 {
		go w.expireLoop(ctx, watchPendingTTL/2)
	}

	streamURL := apiURL + "/stream/boards/" + url.PathEscape(boardID)
	backoff := time.Second
	for {
		err := client.Listen(ctx, nil, streamURL, token, func(f client.Frame) error {
			backoff = time.Second
			return w.handle(cmd, f)
		})
		if ctx.Err() != nil {
			return nil
		}
		logger.WithError(err).Warnf("stream closed, reconnecting in %v", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
		if err := w.reload(ctx); err != nil {
			logger.WithError(err).Warn("reload failed")
		}
	}
}

func (w *watcher) reload(ctx context.Context) error {
	b, err := w.api.Board(ctx, boardID)
	if err != nil {
		return err
	}
	w.store.Load(b)
	return nil
}

func (w *watcher) handle(cmd *cobra.Command, f client.Frame) error {
	if f.Event == "connection.established" {
		var est struct {
			SocketID string `json:"socket_id"`
		}
		if err := sonic.Unmarshal(f.Data, &est); err != nil {
			return fmt.Errorf("bad %s frame: %w", f.Event, err)
		}
		w.api.SetSocketID(est.SocketID)
		w.logger.WithField("socket_id", est.SocketID).Debug("stream connected")
		return nil
	}

	env, err := events.Decode(f.Data)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			w.logger.WithField("event", f.Event).Debug("skipping unknown event")
			return nil
		}
		w.logger.WithError(err).Warn("undecodable frame")
		return nil
	}
	out := w.rec.Apply(env)
	entry := w.logger.WithFields(log.Fields{"event": out.Event, "actor": env.Actor.UserID, "applied": out.Applied})
	if out.InterruptedDrag {
		entry = entry.WithField("interrupted_drag", true)
	}
	if len(out.Superseded) > 0 {
		entry = entry.WithField("superseded", out.Superseded)
	}
	entry.Debug("event merged")

	if w.quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s applied=%t\n", env.EmittedAt.Format(time.RFC3339), out.Event, out.Applied)
		return nil
	}
	if out.Applied {
		render(cmd.OutOrStdout(), w.store)
	}
	return nil
}

func (w *watcher) expireLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if ids := w.store.ExpirePending(now); len(ids) > 0 {
				w.logger.WithField("mutations", ids).Warn("reverted unconfirmed changes")
			}
		}
	}
}
