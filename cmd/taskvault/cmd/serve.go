package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/pkg/dashboard"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only HTTP dashboard and metrics",
	Long: `Exposes JSON views of the vault (summary, tasks, approvals, deferred
queue) plus Prometheus metrics. Strictly read-only: no handler mutates
the vault.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config, :8090)")
}

func runServe(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	defer v.close()

	addr := v.cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}

	r := mux.NewRouter()
	r.HandleFunc("/dashboard", v.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/tasks", v.handleTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{name}", v.handleTask).Methods(http.MethodGet)
	r.HandleFunc("/approvals", v.handleApprovals).Methods(http.MethodGet)
	r.HandleFunc("/deferred", v.handleDeferred).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		v.logger.Info("HTTP server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (v *vault) handleDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := dashboard.Project(v.store, v.gate, v.audit, v.cfg.ActivityWindow, time.Now())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, summary)
}

func (v *vault) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := v.store.ListTasks()
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, tasks)
}

func (v *vault) handleTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	task, err := v.store.GetTask(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, task)
}

func (v *vault) handleApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := v.gate.Pending()
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, pending)
}

func (v *vault) handleDeferred(w http.ResponseWriter, r *http.Request) {
	entries, err := v.store.ReadDeferredQueue()
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		httpError(w, err)
	}
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
