// Command artifactsync runs either side of the artifact sync protocol:
// `serve` exposes a store over HTTP, and `clone`/`pull`/`push` drive the
// client side against a remote.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"artifactsync/client"
	"artifactsync/pkg/config"
	"artifactsync/server"
	"artifactsync/store"
	"artifactsync/transport"
)

func main() {
	_ = godotenv.Load()

	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(os.Getenv("ARTIFACTSYNC_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	root := &cobra.Command{Use: "artifactsync"}
	root.AddCommand(serveCmd(log))
	root.AddCommand(syncCmd(log, "clone", client.ModeClone))
	root.AddCommand(syncCmd(log, "pull", client.ModePull))
	root.AddCommand(syncCmd(log, "push", client.ModePush))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(log *logrus.Logger) *cobra.Command {
	var addr, serverCode, projectCode string
	var remoteUserOK bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve a local artifact store over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				log.WithError(err).Warn("no config file found, using defaults")
				cfg = &config.Config{}
			}
			if addr == "" {
				addr = cfg.Server.ListenAddr
			}
			if addr == "" {
				addr = ":8080"
			}
			if serverCode == "" {
				serverCode = cfg.Repo.ServerCode
			}
			if projectCode == "" {
				projectCode = cfg.Repo.ProjectCode
			}

			st := store.NewMemStore()
			caps := store.NewCapabilities()
			caps.GrantAnonymous(store.CapRead)
			caps.GrantAnonymous(store.CapClone)

			h := server.NewHandler(st, caps, serverCode, projectCode)
			h.Log = log
			h.ParentProjectCode = cfg.Repo.ParentProjectCode
			h.ParentProjectName = cfg.Repo.ParentProjectName
			h.RemoteUserOK = cfg.Sync.RemoteUserOK || remoteUserOK
			mux := http.NewServeMux()
			mux.Handle("/sync", server.NewHTTPHandler(h))
			mux.Handle("/metrics", promhttp.HandlerFor(h.Metrics.Registry(), promhttp.HandlerOpts{}))

			log.WithField("addr", addr).Info("artifactsync: serving")
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&serverCode, "server-code", "", "server code (overrides config)")
	cmd.Flags().StringVar(&projectCode, "project-code", "", "project code (overrides config)")
	cmd.Flags().BoolVar(&remoteUserOK, "remote-user-ok", false, "trust the X-Remote-User header in place of a login card")
	return cmd
}

func syncCmd(log *logrus.Logger, use string, mode client.Mode) *cobra.Command {
	var url, serverCode, projectCode, user, password string
	var syncPrivate, noCompress, dontPush, uvSync bool

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s <url>", use),
		Short: fmt.Sprintf("%s against a remote artifactsync server", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url = args[0]
			cfg, err := config.LoadFromEnv()
			if err != nil {
				cfg = &config.Config{}
			}
			if serverCode == "" {
				serverCode = cfg.Repo.ServerCode
			}
			if projectCode == "" {
				projectCode = cfg.Repo.ProjectCode
			}

			st := store.NewMemStore()
			tc := transport.NewClient(url)
			tc.NoCompress = noCompress

			d := client.NewDriver(st, tc)
			d.Mode = mode
			d.ServerCode = serverCode
			d.ProjectCode = projectCode
			d.User = user
			d.Password = password
			d.SyncPrivate = syncPrivate
			d.NoCompress = noCompress
			d.Log = log
			d.ParentProjectCode = cfg.Repo.ParentProjectCode
			d.ParentProjectName = cfg.Repo.ParentProjectName
			d.DontPush = cfg.Sync.DontPush || dontPush
			d.UVSync = cfg.Sync.UVSync || uvSync
			if v := cfg.Sync.MaxUpload; v > 0 {
				d.MaxSend = v
			}
			if v := cfg.Sync.MaxDownload; v > 0 {
				d.MaxDownload = v
			}
			if v := cfg.Sync.MaxDownloadTime; v > 0 {
				d.MaxDownloadTime = time.Duration(v) * time.Second
			}

			nErr, err := d.Run(context.Background())
			if err != nil {
				return err
			}
			if warn := d.ReportSkew(); warn != "" {
				log.Warn(warn)
			}
			log.WithField("errors", nErr).Info("artifactsync: sync finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&serverCode, "server-code", "", "server code (overrides config)")
	cmd.Flags().StringVar(&projectCode, "project-code", "", "project code (overrides config)")
	cmd.Flags().StringVar(&user, "user", "", "login username")
	cmd.Flags().StringVar(&password, "password", "", "login password")
	cmd.Flags().BoolVar(&syncPrivate, "private", false, "sync private artifacts too")
	cmd.Flags().BoolVar(&noCompress, "no-compress", false, "disable zlib framing")
	cmd.Flags().BoolVar(&dontPush, "dont-push", false, "announce local content but never push it proactively")
	cmd.Flags().BoolVar(&uvSync, "uv-sync", false, "request the unversioned-file sync pragma")
	return cmd
}
