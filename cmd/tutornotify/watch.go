package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/session"
	"github.com/nhle/tutornotify/internal/socket"
)

const shutdownTimeout = 5 * time.Second

func newWatchCmd(c *cli) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live notifications until interrupted",
		Long: `Connect to the push channel and print each notification as it
arrives. With --metrics-addr, Prometheus metrics are served at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, c, cmd.OutOrStdout(), metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g., :9090)")
	return cmd
}

func runWatch(ctx context.Context, c *cli, out io.Writer, metricsAddr string) error {
	token, err := c.token()
	if err != nil {
		return err
	}
	vault, _ := c.getVault()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	sess, err := session.Open(ctx, c.cfg, token, session.Deps{
		Vault:      vault,
		Registerer: reg,
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			c.logger.Warn("closing session", "err", err)
		}
	}()

	detach := watchEvents(sess.Client(), out, c)
	defer detach()

	if _, err := sess.Inbox().FetchNotifications(ctx, backend.ListParams{
		Page:  1,
		Limit: c.cfg.Inbox.PageSize,
		Role:  model.Role(c.cfg.Inbox.Role),
	}); err != nil {
		if backend.IsAuthError(err) {
			return fmt.Errorf("token rejected: run 'tutornotify login': %w", err)
		}
		c.logger.Warn("initial fetch failed", "err", err)
	}
	fmt.Fprintf(out, "%d unread. Watching for new notifications (ctrl+c to stop)\n",
		sess.Inbox().Snapshot().UnreadCount)

	g, ctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			c.logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := sess.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}

// watchEvents prints pushed notifications and logs connection changes.
// The returned func removes every handler.
func watchEvents(client *socket.Client, out io.Writer, c *cli) func() {
	unsubs := []func(){
		socket.Subscribe(client, func(ev socket.NotificationNew) error {
			fmt.Fprintln(out, formatNotification(ev.Notification))
			return nil
		}),
		socket.Subscribe(client, func(ev socket.NotificationUpdated) error {
			fmt.Fprintln(out, formatNotification(ev.Notification)+" (updated)")
			return nil
		}),
		socket.Subscribe(client, func(socket.Connected) error {
			c.logger.Info("push channel connected")
			return nil
		}),
		socket.Subscribe(client, func(ev socket.Disconnected) error {
			c.logger.Info("push channel disconnected", "manual", ev.Manual, "err", ev.Err)
			return nil
		}),
		socket.Subscribe(client, func(ev socket.Error) error {
			c.logger.Warn("push channel error", "err", ev.Err)
			return nil
		}),
		socket.Subscribe(client, func(ev socket.ReconnectFailed) error {
			c.logger.Error("push channel gave up", "attempts", ev.Attempts)
			fmt.Fprintf(out, "connection lost after %d attempts\n", ev.Attempts)
			return nil
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func formatNotification(n model.Notification) string {
	line := fmt.Sprintf("%s  [%s] %s", n.CreatedAt.Local().Format("15:04"), n.Category(), n.Title)
	if content := model.RenderContent(n); content != "" {
		line += ": " + content
	}
	return line
}
