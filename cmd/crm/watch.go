package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	crm "github.com/kevinderitis/crm-front-v2"
)

var (
	watchMetricsAddr string
	watchDashboard   bool
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchDashboard, "dashboard", false, "Keep only pending payments and open tickets")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live conversations, payments and tickets",
	Long: "Open the push channel and keep local views of conversations, payments and tickets in sync.\n" +
		"New messages, payments and tickets are announced on stderr. Stop with Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mode := crm.ListView
		if watchDashboard {
			mode = crm.DashboardView
		}
		inbox := crm.NewInbox(a.api.Conversations, a.api.Tags, a.logger)
		payments := crm.NewPaymentBoard(a.api.Payments, mode, a.logger)
		tickets := crm.NewTicketBoard(a.api.Tickets, mode, a.logger)
		alerts := crm.NewAlerts(a.notifier, crm.WithOpener(inbox))

		// Frames pushed while the views load are held and replayed afterwards.
		views := crm.NewDispatcher(a.logger, nil)
		for _, h := range []crm.Handler{inbox.Handle, payments.Handle, tickets.Handle, alerts.Handle} {
			views.Subscribe(h)
		}
		gate := newEventGate(views, a.logger)
		revoke := a.dispatcher.Subscribe(gate.Handle)
		defer revoke()

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("metrics server", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		sess, err := a.restore(ctx, true)
		if err != nil {
			return err
		}

		loadCtx, cancel := commandContext()
		for name, load := range map[string]func(context.Context) error{
			"conversations": inbox.Load,
			"payments":      payments.Load,
			"tickets":       tickets.Load,
		} {
			if err := load(loadCtx); err != nil {
				fmt.Fprintf(os.Stderr, "Could not load %s: %v\n", name, err)
			}
		}
		cancel()
		gate.flush()

		fmt.Printf("Watching as %s. %d conversations, %d payments, %d tickets.\n",
			valueOrDefault(sess.User.FullName, sess.User.ID),
			len(inbox.Conversations()), len(payments.Payments()), len(tickets.Tickets()))

		go crm.NewStatusWatcher(a.rt, a.notifier, time.Second).Run(ctx)

		<-ctx.Done()

		status := a.rt.Status()
		fmt.Println()
		fmt.Printf("Stopped. Channel %s after %d reconnect attempts.\n", status.State, status.Attempts)
		byStatus := tickets.ByStatus()
		fmt.Printf("  Conversations: %d\n", len(inbox.Conversations()))
		fmt.Printf("  Payments:      %d\n", len(payments.Payments()))
		fmt.Printf("  Tickets:       %d open, %d completed, %d cancelled\n",
			len(byStatus[crm.TicketOpen]), len(byStatus[crm.TicketCompleted]), len(byStatus[crm.TicketCancelled]))
		return nil
	},
}

// eventGate holds events until flush, then replays them in arrival order and
// forwards everything after that straight to next.
type eventGate struct {
	next   *crm.Dispatcher
	logger *zap.Logger

	mu      sync.Mutex
	open    bool
	pending []json.RawMessage
}

func newEventGate(next *crm.Dispatcher, logger *zap.Logger) *eventGate {
	return &eventGate{next: next, logger: logger}
}

func (g *eventGate) Handle(e crm.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.pending = append(g.pending, e.Raw())
		return
	}
	g.forward(e.Raw())
}

func (g *eventGate) flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return
	}
	for _, raw := range g.pending {
		g.forward(raw)
	}
	g.pending = nil
	g.open = true
}

func (g *eventGate) forward(raw json.RawMessage) {
	if err := g.next.Dispatch(raw); err != nil {
		g.logger.Warn("replayed frame rejected", zap.Error(err))
	}
}
